// Package pipeline 单张图片的完整推理流程:
// letterbox -> 打包张量 -> 检测器 -> 解码 -> NMS -> 跨类去重 -> 坐标还原
package pipeline

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/getcharzp/go-waste"
	"github.com/getcharzp/go-waste/yolov8"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Detector 检测器, 本地 ONNX 或其它实现
type Detector interface {
	Run(ctx context.Context, in yolov8.InputTensor) (*yolov8.OutputTensor, error)
}

// ImageSource 把照片解码并缩放为 RGBA 像素, 返回实际尺寸
type ImageSource interface {
	Decode(ctx context.Context, photo waste.Photo, w, h int) (yolov8.PixelBuffer, error)
}

// Sizer 可选接口, 请求未携带尺寸时用来读取原图尺寸
type Sizer interface {
	Size(photo waste.Photo) (int, int, error)
}

// Inferer 单张图片推理
type Inferer interface {
	Infer(ctx context.Context, req Request) (*waste.ModelResult, error)
}

// Request 推理请求
type Request struct {
	Photo   waste.Photo
	Width   int // 原图宽, 0 表示由图片源读取
	Height  int // 原图高
	Purpose waste.Purpose
	ModelID string
}

// Config Pipeline 配置
type Config struct {
	Settings     waste.Settings
	Detector     Detector
	Source       ImageSource
	ModelVersion string // 默认 device:onnx
	ModelID      string // 默认 device
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Pipeline 本地推理流程
type Pipeline struct {
	cfg  Config
	post map[waste.Purpose]yolov8.Postprocessor
}

// New 创建 Pipeline, 缺少检测器或图片源时返回 ConfigurationError
func New(cfg Config) (*Pipeline, error) {
	if cfg.Detector == nil {
		return nil, &waste.ConfigurationError{Err: errors.New("未配置检测器")}
	}
	if cfg.Source == nil {
		return nil, &waste.ConfigurationError{Err: errors.New("未配置图片源")}
	}
	if cfg.ModelVersion == "" {
		cfg.ModelVersion = "device:onnx"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "device"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	post := make(map[waste.Purpose]yolov8.Postprocessor, 2)
	for _, p := range []waste.Purpose{waste.PurposeLive, waste.PurposeCapture} {
		post[p] = yolov8.NewPostprocessor(yolov8.ConfigFromSettings(cfg.Settings, p), cfg.Logger)
	}
	return &Pipeline{cfg: cfg, post: post}, nil
}

// Infer 执行一次推理
func (p *Pipeline) Infer(ctx context.Context, req Request) (*waste.ModelResult, error) {
	ranAt := p.cfg.Clock.Now()
	purpose := req.Purpose
	if purpose != waste.PurposeLive {
		purpose = waste.PurposeCapture
	}
	pc := p.cfg.Settings.ForPurpose(purpose)

	w, h, err := p.imageSize(req)
	if err != nil {
		return nil, &waste.PreprocessingError{Err: err}
	}

	if pc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pc.Timeout)
		defer cancel()
	}

	lb := yolov8.ComputeLetterbox(w, h, pc.ImageSize)
	px, err := p.cfg.Source.Decode(ctx, req.Photo, lb.ResizedWidth, lb.ResizedHeight)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &waste.InferenceEngineError{Err: errors.Wrapf(err, "解码图片超时 (%s)", pc.Timeout)}
		}
		return nil, &waste.PreprocessingError{Err: errors.Wrap(err, "解码图片失败")}
	}
	if !lb.Matches(px.Width, px.Height) {
		p.cfg.Logger.Debug("图片源返回的尺寸与预期不一致",
			zap.Int("expectedWidth", lb.ResizedWidth), zap.Int("expectedHeight", lb.ResizedHeight),
			zap.Int("width", px.Width), zap.Int("height", px.Height))
	}
	in, lb := yolov8.PackTensor(px, lb, w, h)

	out, err := p.cfg.Detector.Run(ctx, in)
	if err != nil {
		var ie *waste.InferenceEngineError
		if errors.As(err, &ie) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, &waste.InferenceEngineError{Err: errors.Wrapf(err, "推理超时 (%s)", pc.Timeout)}
		}
		return nil, &waste.InferenceEngineError{Err: err}
	}
	if out == nil || len(out.Data) == 0 {
		return nil, &waste.InferenceEngineError{Err: errors.New("检测器没有返回可用的输出")}
	}

	dets := p.post[purpose].Run(out, lb, w, h)
	dets = ApplyFloor(dets, p.cfg.Settings.MinConfidence)
	if pc.MaxDet > 0 && len(dets) > pc.MaxDet {
		dets = dets[:pc.MaxDet]
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = p.cfg.ModelID
	}
	p.cfg.Logger.Debug("推理完成",
		zap.String("purpose", string(purpose)),
		zap.Int("imgsz", lb.TargetSize),
		zap.Int("detections", len(dets)),
		zap.Duration("took", p.cfg.Clock.Since(ranAt)))
	return &waste.ModelResult{
		ModelVersion: p.cfg.ModelVersion,
		ModelID:      modelID,
		RanAt:        ranAt,
		Image:        waste.ImageSize{Width: w, Height: h},
		Detections:   dets,
	}, nil
}

func (p *Pipeline) imageSize(req Request) (int, int, error) {
	if req.Width > 0 && req.Height > 0 {
		return req.Width, req.Height, nil
	}
	sizer, ok := p.cfg.Source.(Sizer)
	if !ok {
		return 0, 0, errors.Errorf("图片尺寸非法 %dx%d", req.Width, req.Height)
	}
	w, h, err := sizer.Size(req.Photo)
	if err != nil {
		return 0, 0, err
	}
	if w <= 0 || h <= 0 {
		return 0, 0, errors.Errorf("图片尺寸非法 %dx%d", w, h)
	}
	return w, h, nil
}

// ApplyFloor 过滤低于最低置信度的检测
func ApplyFloor(dets []waste.Detection, minConfidence float64) []waste.Detection {
	return lo.Filter(dets, func(d waste.Detection, _ int) bool {
		return d.Confidence >= minConfidence
	})
}
