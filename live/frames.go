package live

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/getcharzp/go-waste"
	"github.com/getcharzp/go-waste/imagesrc"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Frame 一帧画面
type Frame struct {
	Photo  waste.Photo
	Width  int
	Height int
}

// FrameSource 帧来源, 例如摄像头或图片目录
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

var frameExts = []string{".jpg", ".jpeg", ".png", ".webp"}

// DirSource 循环读取目录中的图片作为帧
type DirSource struct {
	mu    sync.Mutex
	files []string
	next  int
	sizer imagesrc.Decoder
}

// NewDirSource 扫描目录, 没有图片时返回 ConfigurationError
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &waste.ConfigurationError{Err: errors.Wrapf(err, "读取帧目录 %s 失败", dir)}
	}
	files := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		return filepath.Join(dir, e.Name()), !e.IsDir() && lo.Contains(frameExts, ext)
	})
	if len(files) == 0 {
		return nil, &waste.ConfigurationError{Err: errors.Errorf("目录 %s 中没有图片", dir)}
	}
	sort.Strings(files)
	return &DirSource{files: files}, nil
}

// Len 图片数量
func (d *DirSource) Len() int {
	return len(d.files)
}

// Next 返回下一张图片, 到末尾后从头开始
func (d *DirSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	d.mu.Lock()
	path := d.files[d.next%len(d.files)]
	d.next++
	d.mu.Unlock()

	photo := waste.Photo{Path: path}
	w, h, err := d.sizer.Size(photo)
	if err != nil {
		return Frame{}, &waste.PreprocessingError{Err: err}
	}
	return Frame{Photo: photo, Width: w, Height: h}, nil
}
