package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/getcharzp/go-waste"
	"github.com/getcharzp/go-waste/imagesrc"
	"github.com/getcharzp/go-waste/live"
	"github.com/getcharzp/go-waste/pipeline"
	"github.com/getcharzp/go-waste/remote"
	"github.com/getcharzp/go-waste/yolov8"
	"github.com/pkg/errors"
	"github.com/up-zero/gotool/imageutil"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// env 一次命令执行所需的配置与日志
type env struct {
	settings waste.Settings
	logger   *zap.Logger
	modelID  string
}

func loadEnv(c *cli.Context) (*env, error) {
	logger, err := newLogger(c.Bool(flagDebug))
	if err != nil {
		return nil, errors.Wrap(err, "初始化日志失败")
	}
	s, err := waste.LoadSettings(c.String(flagConfig))
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(c.String(flagMode)) {
	case "":
	case "api":
		s.Mode = waste.ModeAPI
	case "device", "onnx":
		s.Mode = waste.ModeDevice
	default:
		return nil, &waste.ConfigurationError{Err: errors.Errorf("未知的推理方式 %q", c.String(flagMode))}
	}
	if u := c.String(flagURL); u != "" {
		s.InferenceURL = strings.TrimRight(u, "/")
	}
	return &env{settings: s, logger: logger, modelID: c.String(flagModel)}, nil
}

// buildInferer 按配置组装推理链路
//
// 本地模式在配置了服务地址时, 本地失败后自动改用远程服务
func buildInferer(e *env) (pipeline.Inferer, func() error, error) {
	noop := func() error { return nil }

	var client *remote.Client
	if e.settings.InferenceURL != "" {
		c, err := remote.NewClient(e.settings, e.logger)
		if err != nil {
			return nil, noop, err
		}
		client = c
	}
	if e.settings.Mode == waste.ModeAPI {
		if client == nil {
			return nil, noop, &waste.ConfigurationError{Err: errors.New("api 模式需要配置服务地址")}
		}
		return client, noop, nil
	}

	engine, err := yolov8.NewDetEngine(yolov8.ConfigFromSettings(e.settings, waste.PurposeCapture), e.logger)
	if err != nil {
		if client == nil {
			return nil, noop, err
		}
		e.logger.Warn("本地模型不可用, 使用远程服务", zap.Error(err))
		return client, noop, nil
	}
	p, err := pipeline.New(pipeline.Config{
		Settings: e.settings,
		Detector: engine,
		Source:   imagesrc.Decoder{},
		ModelID:  e.modelID,
		Logger:   e.logger,
	})
	if err != nil {
		return nil, noop, multierr.Combine(err, engine.Destroy())
	}
	if client == nil {
		return p, engine.Destroy, nil
	}
	return pipeline.Fallback{Primary: p, Secondary: client, Logger: e.logger}, engine.Destroy, nil
}

// DetectAction 识别照片
func DetectAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("至少需要一张照片")
	}
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.logger.Sync() //nolint:errcheck

	inf, closeFn, err := buildInferer(e)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			e.logger.Warn("释放模型失败", zap.Error(err))
		}
	}()

	purpose := waste.Purpose(strings.ToLower(c.String(flagPurpose)))
	overlayDir := c.String(flagOverlay)
	if overlayDir != "" {
		if err := os.MkdirAll(overlayDir, 0o755); err != nil {
			return errors.Wrapf(err, "创建目录 %s 失败", overlayDir)
		}
	}

	var errs error
	for _, path := range c.Args().Slice() {
		photo := waste.Photo{Path: path}
		res, err := inf.Infer(c.Context, pipeline.Request{Photo: photo, Purpose: purpose, ModelID: e.modelID})
		if err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, path))
			continue
		}
		if c.Bool(flagJSON) {
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				errs = multierr.Append(errs, errors.Wrap(err, path))
				continue
			}
			fmt.Fprintln(c.App.Writer, string(out))
		} else {
			fmt.Fprintf(c.App.Writer, "%s  (%s, %dx%d)\n", path, res.ModelVersion, res.Image.Width, res.Image.Height)
			fmt.Fprintln(c.App.Writer, renderDetections(res.Detections))
		}
		if overlayDir != "" {
			if err := saveOverlay(photo, res, overlayDir); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

func saveOverlay(photo waste.Photo, res *waste.ModelResult, dir string) error {
	img, err := imagesrc.Decoder{}.Load(photo)
	if err != nil {
		return err
	}
	drawer, err := waste.NewDefaultTextDrawer()
	if err != nil {
		return err
	}
	defer drawer.Close()
	_ = drawer.SetSize(float64(max(12, min(img.Bounds().Dx(), img.Bounds().Dy())/40)))

	name := strings.TrimSuffix(filepath.Base(photo.Path), filepath.Ext(photo.Path)) + "_waste.jpg"
	out := filepath.Join(dir, name)
	imageutil.Save(out, waste.DrawDetections(img, res.Detections, drawer), 90)
	if _, err := os.Stat(out); err != nil {
		return errors.Wrapf(err, "保存 %s 失败", out)
	}
	return nil
}

// LiveAction 循环读取目录中的图片模拟实时预览
func LiveAction(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.logger.Sync() //nolint:errcheck

	frames, err := live.NewDirSource(c.String(flagFrames))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	cfg := live.Config{
		Settings: e.settings,
		Source:   frames,
		ModelID:  e.modelID,
		Logger:   e.logger,
		Metrics:  live.NewMetrics(),
		OnUpdate: func(u live.Update) {
			switch {
			case u.Stopped && u.Err != nil:
				fmt.Fprintf(c.App.Writer, "[%d] stopped: %v\n", u.Generation, u.Err)
				cancel()
			case u.Stopped:
				fmt.Fprintf(c.App.Writer, "[%d] stopped\n", u.Generation)
				cancel()
			case u.Err != nil:
				fmt.Fprintf(c.App.Writer, "[%d] %v\n", u.Generation, u.Err)
			default:
				fmt.Fprintf(c.App.Writer, "[%d] %s\n", u.Generation, summarize(u.Result.Detections))
			}
		},
	}
	closeFn := func() error { return nil }
	if c.Bool(flagStream) {
		endpoint := e.settings.StreamEndpoint()
		if endpoint == "" {
			return &waste.ConfigurationError{Err: errors.New("websocket 模式需要配置服务地址")}
		}
		cfg.Dialer = live.StreamDialer(endpoint, e.logger)
	} else {
		cfg.Inferer, closeFn, err = buildInferer(e)
		if err != nil {
			return err
		}
	}
	defer func() {
		if err := closeFn(); err != nil {
			e.logger.Warn("释放模型失败", zap.Error(err))
		}
	}()

	sched, err := live.NewScheduler(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := c.Duration(flagDuration); d > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, d)
		defer cancelTimeout()
	}

	if addr := c.String(flagMetricsAddr); addr != "" {
		srv := &http.Server{Addr: addr, Handler: sched.Metrics().Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Warn("metrics 服务退出", zap.Error(err))
			}
		}()
		defer srv.Close() //nolint:errcheck
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	snap := sched.Snapshot()
	if err := sched.Stop(); err != nil {
		return err
	}
	m := sched.Metrics()
	e.logger.Info("实时识别结束",
		zap.Uint64("sent", m.FramesSent.Load()),
		zap.Uint64("published", m.Published.Load()),
		zap.Uint64("dropped", m.FramesDropped.Load()),
		zap.Uint64("stale", m.StaleResults.Load()))
	if !snap.Running && snap.Err != nil {
		return snap.Err
	}
	return nil
}

// ModelsAction 列出服务端模型
func ModelsAction(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.logger.Sync() //nolint:errcheck

	client, err := remote.NewClient(e.settings, e.logger)
	if err != nil {
		return err
	}
	models, def, err := client.Models(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, renderModels(models, def))
	return nil
}
