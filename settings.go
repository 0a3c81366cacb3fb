package waste

import (
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// InferenceMode 推理方式
type InferenceMode string

const (
	ModeDevice InferenceMode = "device" // 本地 ONNX 推理
	ModeAPI    InferenceMode = "api"    // 远程推理服务
)

// PurposeConfig 某一用途下的推理参数
type PurposeConfig struct {
	Conf      float64       // 置信度阈值
	IOU       float64       // 远程服务使用的 NMS IoU 阈值
	ImageSize int           // 模型输入边长
	MaxDet    int           // 最多保留的检测数量
	Timeout   time.Duration // 单次推理超时
}

// Settings 运行配置
type Settings struct {
	Mode               InferenceMode
	ModelPath          string // ONNX 模型路径
	OnnxRuntimeLibPath string // ONNX Runtime 动态库路径
	InferenceURL       string // 远程推理服务地址, 例如 http://host:8000
	StreamURL          string // (可选) websocket 地址, 为空时由 InferenceURL 推导

	MinConfidence      float64 // 输出前的最低置信度 (默认 0.35)
	NumClasses         int     // 默认 5
	Classes            ClassMap
	NMSIOU             float64 // 本地同类 NMS IoU 阈值 (默认 0.7)
	DedupeIOU          float64 // 跨类去重 IoU 阈值 (默认 0.85)
	DedupeMinAreaRatio float64 // 跨类去重面积比阈值 (默认 0.85)

	Live    PurposeConfig
	Capture PurposeConfig
}

const defaultMinConfidence = 0.35

// DefaultSettings 默认配置
func DefaultSettings() Settings {
	return Settings{
		Mode:               ModeDevice,
		ModelPath:          "./waste_weights/waste-best.onnx",
		OnnxRuntimeLibPath: DefaultLibraryPath(),
		MinConfidence:      defaultMinConfidence,
		NumClasses:         5,
		Classes:            DefaultClassMap(),
		NMSIOU:             0.7,
		DedupeIOU:          0.85,
		DedupeMinAreaRatio: 0.85,
		Live: PurposeConfig{
			Conf:      0.25,
			IOU:       0.7,
			ImageSize: 320,
			MaxDet:    200,
			Timeout:   6 * time.Second,
		},
		Capture: PurposeConfig{
			Conf:      0.1,
			IOU:       0.85,
			ImageSize: 960,
			MaxDet:    500,
			Timeout:   35 * time.Second,
		},
	}
}

// ForPurpose 返回用途对应的参数，未知用途按拍照处理
func (s Settings) ForPurpose(p Purpose) PurposeConfig {
	if p == PurposeLive {
		return s.Live
	}
	return s.Capture
}

// StreamEndpoint websocket 地址，未显式配置时把 InferenceURL 的 http 换成 ws 并追加 /stream
func (s Settings) StreamEndpoint() string {
	if s.StreamURL != "" {
		return s.StreamURL
	}
	if s.InferenceURL == "" {
		return ""
	}
	base := strings.TrimRight(s.InferenceURL, "/")
	if strings.HasPrefix(strings.ToLower(base), "http") {
		base = "ws" + base[len("http"):]
	}
	return base + "/stream"
}

// LoadSettings 读取配置
//
// 环境变量统一使用 WASTE_ 前缀, 例如 WASTE_MODE、WASTE_LIVE_CONF、WASTE_CAPTURE_IMGSZ。
// configFile 不为空时先读取配置文件 (yaml/json/toml)，环境变量优先。
func LoadSettings(configFile string) (Settings, error) {
	s := DefaultSettings()

	v := viper.New()
	v.SetEnvPrefix("waste")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return s, &ConfigurationError{Err: errors.Wrapf(err, "读取配置文件 %s 失败", configFile)}
		}
	}

	switch mode := InferenceMode(strings.ToLower(strings.TrimSpace(v.GetString("mode")))); mode {
	case ModeAPI:
		s.Mode = ModeAPI
	case "device", "onnx":
		s.Mode = ModeDevice
	case "":
	default:
		return s, &ConfigurationError{Err: errors.Errorf("未知的推理方式 %q", mode)}
	}

	if p := strings.TrimSpace(v.GetString("model_path")); p != "" {
		s.ModelPath = p
	}
	if p := strings.TrimSpace(v.GetString("onnxruntime_lib_path")); p != "" {
		s.OnnxRuntimeLibPath = p
	}
	s.InferenceURL = strings.TrimRight(strings.TrimSpace(v.GetString("inference_url")), "/")
	s.StreamURL = strings.TrimSpace(v.GetString("stream_url"))

	if f, ok := readFloat(v, "min_confidence"); ok {
		s.MinConfidence = normalizeMinConfidence(f)
	}
	if f, ok := readFloat(v, "num_classes"); ok && f >= 1 {
		s.NumClasses = int(math.Round(f))
	}
	if raw := strings.TrimSpace(v.GetString("classes")); raw != "" {
		s.Classes = parseClassList(raw)
	}
	if f, ok := readFloat(v, "nms_iou"); ok {
		s.NMSIOU = clamp(f, 0.1, 0.99)
	}
	if f, ok := readFloat(v, "dedupe_iou"); ok {
		s.DedupeIOU = clamp(f, 0.1, 0.99)
	}
	if f, ok := readFloat(v, "dedupe_area_ratio"); ok {
		s.DedupeMinAreaRatio = clamp(f, 0.1, 1)
	}

	s.Live = loadPurpose(v, PurposeLive, s.Live)
	s.Capture = loadPurpose(v, PurposeCapture, s.Capture)
	return s, nil
}

func loadPurpose(v *viper.Viper, p Purpose, def PurposeConfig) PurposeConfig {
	prefix := string(p) + "."
	out := def

	if f, ok := firstFloat(v, prefix+"conf", "conf"); ok {
		out.Conf = clamp(f, 0, 1)
	}
	if f, ok := firstFloat(v, prefix+"iou", "iou"); ok {
		out.IOU = clamp(f, 0.1, 0.99)
	}
	if f, ok := readFloat(v, prefix+"imgsz"); ok {
		out.ImageSize = int(clamp(math.Round(f), 160, 1536))
	}
	if f, ok := firstFloat(v, prefix+"max_det", "max_det"); ok {
		out.MaxDet = int(clamp(math.Round(f), 10, 2000))
	}
	if v.IsSet(prefix + "timeout") {
		if d, err := cast.ToDurationE(v.Get(prefix + "timeout")); err == nil && d > 0 {
			out.Timeout = d
		}
	}
	return out
}

// firstFloat 按顺序取第一个有效的数值配置
func firstFloat(v *viper.Viper, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := readFloat(v, k); ok {
			return f, true
		}
	}
	return 0, false
}

func readFloat(v *viper.Viper, key string) (float64, bool) {
	if !v.IsSet(key) {
		return 0, false
	}
	f, err := cast.ToFloat64E(v.Get(key))
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// normalizeMinConfidence 大于 1 的值按百分比处理
func normalizeMinConfidence(v float64) float64 {
	if v > 1 {
		v /= 100
	}
	return Clamp01(v)
}

// parseClassList "glass,paper,metal" -> {0: glass, 1: paper, 2: metal}
func parseClassList(raw string) ClassMap {
	m := make(ClassMap)
	for i, name := range strings.Split(raw, ",") {
		m[i] = ParseCategory(name)
	}
	return m
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
