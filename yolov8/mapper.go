package yolov8

import (
	"math"

	"github.com/getcharzp/go-waste"
)

// Mapper 把模型空间的候选框还原为相对原图的归一化检测结果
type Mapper struct {
	Classes waste.ClassMap
}

// Map 逆向 letterbox, 裁剪并归一化
//
// 类别没有映射 (或映射为 unknown) 的候选直接丢弃。原图尺寸非法时不输出检测框。
func (m Mapper) Map(cands []Candidate, lb Letterbox, origW, origH int) []waste.Detection {
	classes := m.Classes
	if classes == nil {
		classes = waste.DefaultClassMap()
	}
	scale := lb.Scale
	if !(scale > 0) || math.IsInf(scale, 0) {
		scale = 1
	}

	out := make([]waste.Detection, 0, len(cands))
	for _, c := range cands {
		label, ok := classes.Lookup(c.ClassIndex)
		if !ok {
			continue
		}
		det := waste.Detection{Label: label, Confidence: waste.Clamp01(c.Score)}
		if origW > 0 && origH > 0 {
			det.Box = normalize(c.Box, lb, scale, float64(origW), float64(origH))
		}
		out = append(out, det)
	}
	return out
}

func normalize(b Box, lb Letterbox, scale, w, h float64) *waste.NormalizedBox {
	padX, padY := float64(lb.PadX), float64(lb.PadY)
	x1 := clampRange((b.X1-padX)/scale, 0, w)
	y1 := clampRange((b.Y1-padY)/scale, 0, h)
	x2 := clampRange((b.X2-padX)/scale, 0, w)
	y2 := clampRange((b.Y2-padY)/scale, 0, h)

	return &waste.NormalizedBox{
		X:      waste.Clamp01(x1 / w),
		Y:      waste.Clamp01(y1 / h),
		Width:  waste.Clamp01(math.Max(0, x2-x1) / w),
		Height: waste.Clamp01(math.Max(0, y2-y1) / h),
	}
}

// clampRange 限制到 [lo, hi], NaN 视为 lo
func clampRange(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// ToModelSpace 把归一化框映射回模型输入空间, 与 Map 互逆
func ToModelSpace(nb waste.NormalizedBox, lb Letterbox, origW, origH int) Box {
	w, h := float64(origW), float64(origH)
	x1 := nb.X*w*lb.Scale + float64(lb.PadX)
	y1 := nb.Y*h*lb.Scale + float64(lb.PadY)
	return Box{
		X1: x1,
		Y1: y1,
		X2: x1 + nb.Width*w*lb.Scale,
		Y2: y1 + nb.Height*h*lb.Scale,
	}
}
