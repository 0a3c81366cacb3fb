package waste

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/up-zero/gotool/imageutil"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// TextDrawer 文本绘制工具
type TextDrawer struct {
	font     *opentype.Font
	face     font.Face
	fontSize float64
}

// NewTextDrawer 从字体文件创建文本绘制工具
//
// # Params:
//
//	fontPath: 字体路径
func NewTextDrawer(fontPath string) (*TextDrawer, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, errors.Wrap(err, "打开字体文件失败")
	}
	return NewTextDrawerFromBytes(fontBytes)
}

// NewDefaultTextDrawer 使用内置的 Go Regular 字体
func NewDefaultTextDrawer() (*TextDrawer, error) {
	return NewTextDrawerFromBytes(goregular.TTF)
}

// NewTextDrawerFromBytes 从字体数据创建文本绘制工具
func NewTextDrawerFromBytes(fontBytes []byte) (*TextDrawer, error) {
	ttFont, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, errors.Wrap(err, "解析字体文件失败")
	}

	d := &TextDrawer{font: ttFont}
	if err := d.SetSize(12); err != nil {
		return nil, err
	}
	return d, nil
}

// SetSize 调整字体大小，大小不变时不重建 Face
func (d *TextDrawer) SetSize(fontSize float64) error {
	if d.face != nil && d.fontSize == fontSize {
		return nil
	}

	nf, err := opentype.NewFace(d.font, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return errors.Wrap(err, "创建字体 Face 失败")
	}
	if d.face != nil {
		d.face.Close()
	}

	d.face = nf
	d.fontSize = fontSize
	return nil
}

// DrawText 在 (x, y) 处绘制文本, y 为基线位置
func (d *TextDrawer) DrawText(img draw.Image, text string, x, y int, c color.Color) {
	fd := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: d.face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	fd.DrawString(text)
}

// MeasureText 文本宽度 (像素)
func (d *TextDrawer) MeasureText(text string) int {
	return font.MeasureString(d.face, text).Ceil()
}

// Close 释放资源
func (d *TextDrawer) Close() {
	if d.face != nil {
		d.face.Close()
		d.face = nil
	}
}

// DrawDetections 把检测框和标签画到原图的副本上
//
// 框的颜色取对应垃圾桶的颜色, 标签形如 "plastic 91%"。drawer 为 nil 时只画框。
func DrawDetections(img image.Image, detections []Detection, drawer *TextDrawer) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	w, h := float64(b.Dx()), float64(b.Dy())
	thickness := max(2, int(math.Round(math.Min(w, h)/200)))
	if drawer != nil {
		_ = drawer.SetSize(math.Max(12, math.Min(w, h)/30))
	}

	for _, det := range detections {
		if det.Box == nil {
			continue
		}
		rect := image.Rect(
			int(math.Round(det.Box.X*w)),
			int(math.Round(det.Box.Y*h)),
			int(math.Round((det.Box.X+det.Box.Width)*w)),
			int(math.Round((det.Box.Y+det.Box.Height)*h)),
		)
		c := hexColor(BinFor(det.Label).ColorHex)
		imageutil.DrawThickRectOutline(dst, rect, c, thickness)

		if drawer == nil {
			continue
		}
		text := string(det.Label) + " " + FormatConfidence(det.Confidence)
		y := rect.Min.Y - thickness - 2
		if y < int(drawer.fontSize) {
			y = rect.Min.Y + int(drawer.fontSize) + thickness
		}
		drawer.DrawText(dst, text, rect.Min.X+thickness, y, c)
	}
	return dst
}

// hexColor "#RRGGBB" -> color.RGBA, 解析失败返回白色
func hexColor(hex string) color.RGBA {
	v, err := strconv.ParseUint(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil || len(strings.TrimPrefix(hex, "#")) != 6 {
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}
