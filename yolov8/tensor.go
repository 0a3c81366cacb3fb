package yolov8

import (
	"image"
	"image/draw"
)

// PadValue 填充区域的像素值
const PadValue float32 = 114.0 / 255.0

// PackTensor 把缩放后的像素打包成 CHW 平面的输入张量
//
// px 的尺寸与 lb 不一致时先按实际尺寸 Refit, 返回的 Letterbox 用于坐标还原。
func PackTensor(px PixelBuffer, lb Letterbox, origW, origH int) (InputTensor, Letterbox) {
	if !lb.Matches(px.Width, px.Height) {
		lb = lb.Refit(px.Width, px.Height, origW, origH)
	}
	size := lb.TargetSize
	data := make([]float32, 3*size*size)
	PackInto(data, px, lb)
	return InputTensor{
		Shape: []int64{1, 3, int64(size), int64(size)},
		Data:  data,
	}, lb
}

// PackInto 写入已有缓冲区, 先整体覆盖为填充值再拷贝像素
//
// dst 长度必须为 3*size*size, 否则不做任何事并返回 false。
func PackInto(dst []float32, px PixelBuffer, lb Letterbox) bool {
	size := lb.TargetSize
	plane := size * size
	if size <= 0 || len(dst) != 3*plane {
		return false
	}
	for i := range dst {
		dst[i] = PadValue
	}

	w, h := px.Width, px.Height
	if w <= 0 || h <= 0 {
		return true
	}
	for y := 0; y < h; y++ {
		dy := y + lb.PadY
		if dy < 0 || dy >= size {
			continue
		}
		for x := 0; x < w; x++ {
			dx := x + lb.PadX
			if dx < 0 || dx >= size {
				continue
			}
			src := (y*w + x) * 4
			if src+2 >= len(px.Pix) {
				return true
			}
			idx := dy*size + dx
			dst[idx] = float32(px.Pix[src]) / 255.0
			dst[plane+idx] = float32(px.Pix[src+1]) / 255.0
			dst[2*plane+idx] = float32(px.Pix[src+2]) / 255.0
		}
	}
	return true
}

// PixelBufferFromImage 转换为 RGBA8 像素, 透明度不参与计算
func PixelBufferFromImage(img image.Image) PixelBuffer {
	b := img.Bounds()
	var rgba *image.RGBA
	if v, ok := img.(*image.RGBA); ok && v.Rect.Min == (image.Point{}) && v.Stride == 4*b.Dx() {
		rgba = v
	} else {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return PixelBuffer{Width: b.Dx(), Height: b.Dy(), Pix: rgba.Pix}
}
