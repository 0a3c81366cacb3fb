package yolov8

import (
	"github.com/getcharzp/go-waste"
	"go.uber.org/zap"
)

// Postprocessor 解码 -> 同类 NMS -> 跨类去重 -> 坐标还原
type Postprocessor struct {
	Decoder            Decoder
	IOUThreshold       float64
	DedupeIOU          float64
	DedupeMinAreaRatio float64
	Mapper             Mapper
}

// NewPostprocessor 根据引擎配置创建后处理
func NewPostprocessor(cfg Config, logger *zap.Logger) Postprocessor {
	return Postprocessor{
		Decoder: Decoder{
			NumClasses:    cfg.NumClasses,
			MinConfidence: cfg.ConfThreshold,
			Logger:        logger,
		},
		IOUThreshold:       cfg.IOUThreshold,
		DedupeIOU:          cfg.DedupeIOU,
		DedupeMinAreaRatio: cfg.DedupeMinAreaRatio,
		Mapper:             Mapper{Classes: cfg.Classes},
	}
}

// Run 执行完整的后处理, 结果按置信度降序
func (p Postprocessor) Run(out *OutputTensor, lb Letterbox, origW, origH int) []waste.Detection {
	cands := p.Decoder.Decode(out)
	if len(cands) == 0 {
		return []waste.Detection{}
	}
	cands = NMS(cands, p.IOUThreshold)
	cands = DedupeCrossClass(cands, p.DedupeIOU, p.DedupeMinAreaRatio)
	return p.Mapper.Map(cands, lb, origW, origH)
}
