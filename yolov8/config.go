package yolov8

import (
	"github.com/getcharzp/go-waste"
)

// Config 检测引擎与后处理的参数
type Config struct {
	ModelPath          string // ONNX 模型路径
	OnnxRuntimeLibPath string // ONNX Runtime 动态库路径

	// 推理参数
	ConfThreshold      float64 // 解码置信度阈值 (默认 0.25)
	IOUThreshold       float64 // 同类 NMS IoU 阈值 (默认 0.7)
	DedupeIOU          float64 // 跨类去重 IoU 阈值 (默认 0.85)
	DedupeMinAreaRatio float64 // 跨类去重面积比阈值 (默认 0.85)
	MaxDet             int     // 最多保留的检测数量, 0 表示不限制

	// 模型参数
	InputSize  int    // 默认 320
	NumClasses int    // 默认 5
	InputName  string // 默认 images
	OutputName string // 默认 output0

	Classes waste.ClassMap // 类别下标 -> 垃圾分类

	// 可选参数
	UseCuda    bool // (可选) 是否启用 CUDA
	NumThreads int  // (可选) ONNX 线程数, 默认由CPU核心数决定
}

// DefaultConfig 默认配置 (实时预览)
func DefaultConfig() Config {
	return Config{
		ModelPath:          "./waste_weights/waste-best.onnx",
		OnnxRuntimeLibPath: waste.DefaultLibraryPath(),
		ConfThreshold:      0.25,
		IOUThreshold:       0.7,
		DedupeIOU:          0.85,
		DedupeMinAreaRatio: 0.85,
		MaxDet:             200,
		InputSize:          320,
		NumClasses:         5,
		InputName:          "images",
		OutputName:         "output0",
		Classes:            waste.DefaultClassMap(),
	}
}

// DefaultLiveConfig 实时预览的默认配置
func DefaultLiveConfig() Config {
	return DefaultConfig()
}

// DefaultCaptureConfig 拍照识别的默认配置
func DefaultCaptureConfig() Config {
	cfg := DefaultConfig()
	cfg.ConfThreshold = 0.1
	cfg.MaxDet = 500
	cfg.InputSize = 960
	return cfg
}

// ConfigFromSettings 根据运行配置生成某一用途的参数
func ConfigFromSettings(s waste.Settings, p waste.Purpose) Config {
	pc := s.ForPurpose(p)
	cfg := DefaultConfig()
	cfg.ModelPath = s.ModelPath
	cfg.OnnxRuntimeLibPath = s.OnnxRuntimeLibPath
	cfg.ConfThreshold = pc.Conf
	cfg.IOUThreshold = s.NMSIOU
	cfg.DedupeIOU = s.DedupeIOU
	cfg.DedupeMinAreaRatio = s.DedupeMinAreaRatio
	cfg.MaxDet = pc.MaxDet
	cfg.InputSize = pc.ImageSize
	cfg.NumClasses = s.NumClasses
	if len(s.Classes) > 0 {
		cfg.Classes = s.Classes
	}
	return cfg
}

// Box 模型输入空间的检测框 (x1, y1, x2, y2)
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Width 宽度, 不会为负
func (b Box) Width() float64 { return max(0, b.X2-b.X1) }

// Height 高度, 不会为负
func (b Box) Height() float64 { return max(0, b.Y2-b.Y1) }

// Area 面积, 退化框面积为 0
func (b Box) Area() float64 { return b.Width() * b.Height() }

// Candidate 解码后的候选结果
type Candidate struct {
	ClassIndex int
	Score      float64
	Box        Box
}

// PixelBuffer 行优先的 RGBA8 像素
type PixelBuffer struct {
	Width, Height int
	Pix           []uint8
}

// InputTensor 检测器输入, Shape 为 [1, 3, size, size]
type InputTensor struct {
	Shape []int64
	Data  []float32
}

// Size 输入边长
func (t InputTensor) Size() int {
	if len(t.Shape) != 4 {
		return 0
	}
	return int(t.Shape[3])
}

// OutputTensor 检测器原始输出
type OutputTensor struct {
	Shape []int64
	Data  []float32
}
