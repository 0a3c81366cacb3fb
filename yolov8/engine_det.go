package yolov8

import (
	"context"
	"image"
	"sync"

	"github.com/getcharzp/go-waste"
	"github.com/pkg/errors"
	"github.com/up-zero/gotool/convertutil"
	"github.com/up-zero/gotool/imageutil"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// session 检测器会话, 由 ONNX Runtime 实现
type session interface {
	Run(in InputTensor) (*OutputTensor, error)
	Destroy() error
}

// DetEngine YOLOv8 垃圾检测引擎
type DetEngine struct {
	// 推理持有读锁, Destroy 持有写锁, 在途推理结束前不会释放会话
	mu      sync.RWMutex
	session session
	onnx    *waste.OnnxConfig
	config  Config
	post    Postprocessor
	logger  *zap.Logger
}

// NewDetEngine 初始化检测引擎
func NewDetEngine(cfg Config, logger *zap.Logger) (*DetEngine, error) {
	if cfg.ModelPath == "" {
		return nil, &waste.ConfigurationError{Err: errors.New("ModelPath 不能为空")}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	oc := new(waste.OnnxConfig)
	if err := convertutil.CopyProperties(cfg, oc); err != nil {
		return nil, &waste.ConfigurationError{Err: errors.Wrap(err, "复制参数失败")}
	}
	if err := oc.New(); err != nil {
		return nil, err
	}

	sess, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName}, oc.SessionOptions)
	if err != nil {
		oc.Destroy()
		return nil, &waste.InferenceEngineError{Err: errors.Wrapf(err, "创建 ONNX 会话失败 (%s)", cfg.ModelPath)}
	}

	logger.Info("检测引擎已加载",
		zap.String("model", cfg.ModelPath),
		zap.Int("imgsz", cfg.InputSize),
		zap.Int("classes", cfg.NumClasses))
	return &DetEngine{
		session: ortSession{sess},
		onnx:    oc,
		config:  cfg,
		post:    NewPostprocessor(cfg, logger),
		logger:  logger,
	}, nil
}

// Destroy 等待在途推理结束后释放相关资源, 可重复调用
func (e *DetEngine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.session != nil {
		err = multierr.Append(err, errors.Wrap(e.session.Destroy(), "销毁 ONNX 会话失败"))
		e.session = nil
	}
	if e.onnx != nil {
		e.onnx.Destroy()
		e.onnx = nil
	}
	return err
}

// Config 当前配置
func (e *DetEngine) Config() Config {
	return e.config
}

type runResult struct {
	out *OutputTensor
	err error
}

// Run 执行一次推理, ctx 结束时立即返回, 后台的推理完成后自行释放张量
//
// 提前返回后 Destroy 仍会等待后台推理结束
func (e *DetEngine) Run(ctx context.Context, in InputTensor) (*OutputTensor, error) {
	done := make(chan runResult, 1)
	go func() {
		out, err := e.run(in)
		done <- runResult{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &waste.InferenceEngineError{Err: errors.Wrap(ctx.Err(), "等待推理结果超时")}
	case r := <-done:
		return r.out, r.err
	}
}

func (e *DetEngine) run(in InputTensor) (*OutputTensor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return nil, &waste.InferenceEngineError{Err: errors.New("引擎已销毁")}
	}
	return e.session.Run(in)
}

type ortSession struct {
	s *ort.DynamicAdvancedSession
}

func (o ortSession) Run(in InputTensor) (*OutputTensor, error) {
	inputTensor, err := ort.NewTensor(ort.NewShape(in.Shape...), in.Data)
	if err != nil {
		return nil, &waste.InferenceEngineError{Err: errors.Wrap(err, "创建 Input Tensor 失败")}
	}
	defer inputTensor.Destroy()

	outputs := make([]ort.Value, 1)
	if err := o.s.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, &waste.InferenceEngineError{Err: errors.Wrap(err, "推理失败")}
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok || t == nil {
		return nil, &waste.InferenceEngineError{Err: errors.New("输出不是 float32 张量")}
	}
	// 张量销毁后数据失效, 需要拷贝
	data := make([]float32, len(t.GetData()))
	copy(data, t.GetData())
	shape := append([]int64(nil), t.GetShape()...)
	return &OutputTensor{Shape: shape, Data: data}, nil
}

func (o ortSession) Destroy() error {
	return o.s.Destroy()
}

// Predict 对整张图片执行检测
func (e *DetEngine) Predict(ctx context.Context, img image.Image) ([]waste.Detection, error) {
	b := img.Bounds()
	origW, origH := b.Dx(), b.Dy()
	if origW <= 0 || origH <= 0 {
		return nil, &waste.PreprocessingError{Err: errors.New("图片尺寸为空")}
	}

	lb := ComputeLetterbox(origW, origH, e.config.InputSize)
	var resized image.Image = imageutil.Resize(img, lb.ResizedWidth, lb.ResizedHeight)
	in, lb := PackTensor(PixelBufferFromImage(resized), lb, origW, origH)

	out, err := e.Run(ctx, in)
	if err != nil {
		return nil, err
	}
	dets := e.post.Run(out, lb, origW, origH)
	if e.config.MaxDet > 0 && len(dets) > e.config.MaxDet {
		dets = dets[:e.config.MaxDet]
	}
	return dets, nil
}
