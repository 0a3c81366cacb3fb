package yolov8

import (
	"math"
)

// Letterbox 等比缩放并居中填充到正方形输入的映射
type Letterbox struct {
	TargetSize    int
	Scale         float64
	PadX, PadY    int
	ResizedWidth  int
	ResizedHeight int
}

// ComputeLetterbox 计算原图 (w, h) 缩放到 target×target 的映射
//
//	scale = min(target/w, target/h)
//	resized = max(1, round(orig*scale))
//	pad = (target - resized) / 2
//
// 尺寸非法或比例非有限值时退化为铺满整个输入、不填充。
func ComputeLetterbox(w, h, target int) Letterbox {
	target = max(1, target)
	if w <= 0 || h <= 0 {
		return identity(target)
	}

	scale := math.Min(float64(target)/float64(w), float64(target)/float64(h))
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 {
		return identity(target)
	}

	rw := min(target, max(1, int(math.Round(float64(w)*scale))))
	rh := min(target, max(1, int(math.Round(float64(h)*scale))))
	return Letterbox{
		TargetSize:    target,
		Scale:         scale,
		PadX:          (target - rw) / 2,
		PadY:          (target - rh) / 2,
		ResizedWidth:  rw,
		ResizedHeight: rh,
	}
}

// Refit 图片源返回的尺寸与预期不一致时, 按实际尺寸 (actualW, actualH) 重新计算映射
func (l Letterbox) Refit(actualW, actualH, origW, origH int) Letterbox {
	target := max(1, l.TargetSize)
	if actualW <= 0 || actualH <= 0 || origW <= 0 || origH <= 0 {
		return identity(target)
	}

	// 超出目标的像素不会被打包, 比例仍按实际像素计算, 与已打包的像素一致
	scale := math.Min(float64(actualW)/float64(origW), float64(actualH)/float64(origH))
	rw, rh := min(target, actualW), min(target, actualH)
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 {
		return identity(target)
	}
	return Letterbox{
		TargetSize:    target,
		Scale:         scale,
		PadX:          (target - rw) / 2,
		PadY:          (target - rh) / 2,
		ResizedWidth:  rw,
		ResizedHeight: rh,
	}
}

// Matches 像素尺寸是否与映射一致
func (l Letterbox) Matches(w, h int) bool {
	return w == l.ResizedWidth && h == l.ResizedHeight
}

func identity(target int) Letterbox {
	return Letterbox{
		TargetSize:    target,
		Scale:         1,
		ResizedWidth:  target,
		ResizedHeight: target,
	}
}
