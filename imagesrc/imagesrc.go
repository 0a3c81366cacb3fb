// Package imagesrc 把照片解码并缩放为检测所需的 RGBA 像素
package imagesrc

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/getcharzp/go-waste"
	"github.com/getcharzp/go-waste/yolov8"
	"github.com/pkg/errors"
	"github.com/up-zero/gotool/imageutil"
	_ "golang.org/x/image/webp"
)

// Decoder 基于 gotool/imageutil 的图片源
type Decoder struct{}

// Load 读取并解码照片
func (Decoder) Load(photo waste.Photo) (image.Image, error) {
	if len(photo.Data) == 0 && photo.Path != "" {
		img, err := imageutil.Open(photo.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "打开图片 %s 失败", photo.Path)
		}
		return img, nil
	}
	data, err := photo.Bytes()
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "解码图片失败")
	}
	return img, nil
}

// Decode 解码并缩放到 (w, h), w/h 不大于 0 时保持原尺寸
//
// 返回的像素尺寸以实际结果为准, 调用方需要据此校正映射
func (d Decoder) Decode(ctx context.Context, photo waste.Photo, w, h int) (yolov8.PixelBuffer, error) {
	if err := ctx.Err(); err != nil {
		return yolov8.PixelBuffer{}, err
	}
	img, err := d.Load(photo)
	if err != nil {
		return yolov8.PixelBuffer{}, err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return yolov8.PixelBuffer{}, errors.New("图片尺寸为空")
	}
	if w > 0 && h > 0 && (w != b.Dx() || h != b.Dy()) {
		var resized image.Image = imageutil.Resize(img, w, h)
		img = resized
	}
	return yolov8.PixelBufferFromImage(img), nil
}

// Size 只读取图片头获取尺寸
func (d Decoder) Size(photo waste.Photo) (int, int, error) {
	data, err := photo.Bytes()
	if err != nil {
		return 0, 0, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, errors.Wrap(err, "读取图片尺寸失败")
	}
	return cfg.Width, cfg.Height, nil
}
