package waste

import (
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Purpose 推理用途，决定输入尺寸、阈值与超时
type Purpose string

const (
	PurposeLive    Purpose = "live"    // 实时预览
	PurposeCapture Purpose = "capture" // 拍照识别
)

// NormalizedBox 相对原图的归一化检测框，各分量均在 [0,1]
type NormalizedBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection 对外输出的检测结果
//
// Box 为 nil 表示整图分类，没有定位区域
type Detection struct {
	Label      Category       `json:"label"`
	Confidence float64        `json:"confidence"`
	Box        *NormalizedBox `json:"box,omitempty"`
}

// ImageSize 图片尺寸
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ModelResult 单次推理的完整结果，构造后不再修改
type ModelResult struct {
	ModelVersion string      `json:"modelVersion"`
	ModelID      string      `json:"modelId,omitempty"`
	RanAt        time.Time   `json:"ranAt"`
	Image        ImageSize   `json:"image"`
	Detections   []Detection `json:"detections"`
}

// Photo 待识别的照片，Path 与 Data 二选一
type Photo struct {
	Path string // 本地文件路径
	Data []byte // 已编码的图片数据 (jpeg/png/webp)
}

// Bytes 返回编码后的图片数据
func (p Photo) Bytes() ([]byte, error) {
	if len(p.Data) > 0 {
		return p.Data, nil
	}
	if p.Path == "" {
		return nil, errors.New("照片为空")
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "读取照片 %s 失败", p.Path)
	}
	return data, nil
}

// Clamp01 限制到 [0,1]，非有限值返回 0
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
