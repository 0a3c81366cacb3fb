package live

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/getcharzp/go-waste"
	"github.com/getcharzp/go-waste/pipeline"
	"github.com/getcharzp/go-waste/remote"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval   = 900 * time.Millisecond // 轮询模式的取帧间隔
	DefaultStreamInterval = 250 * time.Millisecond // websocket 模式的取帧间隔
)

// Channel 推送式推理通道, remote.Stream 实现了该接口
type Channel interface {
	Send(ctx context.Context, req remote.StreamRequest) error
	Receive(ctx context.Context) (remote.StreamResponse, error)
	Close() error
}

// Dialer 建立推理通道
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// DialerFunc 函数形式的 Dialer
type DialerFunc func(ctx context.Context) (Channel, error)

// Dial 实现 Dialer
func (f DialerFunc) Dial(ctx context.Context) (Channel, error) {
	return f(ctx)
}

// StreamDialer 连接远程服务的 websocket 通道
func StreamDialer(endpoint string, logger *zap.Logger) Dialer {
	return DialerFunc(func(ctx context.Context) (Channel, error) {
		s, err := remote.DialStream(ctx, endpoint, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Update 每次发布的状态变化
type Update struct {
	Generation uint64
	Result     *waste.ModelResult // 成功时不为 nil
	Err        error              // 单帧失败, 或 Stopped 时的终止原因
	Stopped    bool               // 会话因通道错误, 配置错误或 ctx 结束而终止
}

// Snapshot 调度器当前状态
type Snapshot struct {
	Generation uint64
	SessionID  string
	State      State
	Running    bool
	Result     *waste.ModelResult
	Err        error
}

// Detections 当前发布的检测结果
func (s Snapshot) Detections() []waste.Detection {
	if s.Result == nil {
		return nil
	}
	return s.Result.Detections
}

// Config 调度器配置
type Config struct {
	Settings       waste.Settings
	Source         FrameSource
	Inferer        pipeline.Inferer // 轮询模式使用
	Dialer         Dialer           // 不为空时使用 websocket 模式
	ModelID        string
	PollInterval   time.Duration
	StreamInterval time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
	Metrics        *Metrics
	OnUpdate       func(Update) // 在调度协程中同步调用, 不要阻塞, 也不要在其中调用 Stop
}

// Scheduler 实时识别调度器
type Scheduler struct {
	cfg     Config
	machine *Machine

	ctl sync.Mutex // 串行化 Start/Stop

	mu     sync.Mutex
	sess   *session
	result *waste.ModelResult
	err    error
}

type session struct {
	id         string
	generation uint64
	channel    Channel
	ticker     *clock.Ticker
	results    chan outcome
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once

	// 只在调度协程中访问
	inflight Ticket
	sentAt   time.Time
}

func (sess *session) close() error {
	var err error
	sess.closeOnce.Do(func() {
		if sess.channel != nil {
			err = sess.channel.Close()
		}
	})
	return err
}

type outcome struct {
	ticket Ticket
	result *waste.ModelResult
	err    error
}

// NewScheduler 创建调度器
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Source == nil {
		return nil, &waste.ConfigurationError{Err: errors.New("未配置帧来源")}
	}
	if cfg.Inferer == nil && cfg.Dialer == nil {
		return nil, &waste.ConfigurationError{Err: errors.New("未配置推理方式")}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = DefaultStreamInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	return &Scheduler{cfg: cfg, machine: NewMachine()}, nil
}

// Metrics 返回运行指标
func (s *Scheduler) Metrics() *Metrics {
	return s.cfg.Metrics
}

// Start 开始新会话, 已有会话会先被停止
//
// ctx 用于建立通道, 同时约束会话的生命周期
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if err := s.stop(); err != nil {
		s.cfg.Logger.Warn("关闭上一个会话失败", zap.Error(err))
	}

	gen := s.machine.Reset()
	s.cfg.Metrics.Generation.Store(gen)
	sess := &session{
		id:         uuid.NewString(),
		generation: gen,
		results:    make(chan outcome, 1),
		done:       make(chan struct{}),
	}
	interval := s.cfg.PollInterval
	if s.cfg.Dialer != nil {
		ch, err := s.cfg.Dialer.Dial(ctx)
		if err != nil {
			s.cfg.Metrics.Generation.Store(s.machine.Cancel())
			return &waste.InferenceEngineError{Err: errors.Wrap(err, "连接推理通道失败")}
		}
		sess.channel = ch
		interval = s.cfg.StreamInterval
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel
	sess.ticker = s.cfg.Clock.Ticker(interval)

	s.mu.Lock()
	s.sess = sess
	s.result = nil
	s.err = nil
	s.mu.Unlock()

	s.cfg.Logger.Info("实时识别已开始",
		zap.String("session", sess.id),
		zap.Uint64("generation", gen),
		zap.Bool("stream", sess.channel != nil),
		zap.Duration("interval", interval))
	go s.run(loopCtx, sess)
	return nil
}

// Restart 切换摄像头或模型后重新开始
func (s *Scheduler) Restart(ctx context.Context, reason string) error {
	s.cfg.Logger.Info("重新开始实时识别", zap.String("reason", reason))
	return s.Start(ctx)
}

// Stop 停止当前会话, 清空已发布的结果, 在途请求的结果将被丢弃
func (s *Scheduler) Stop() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.stop()
}

func (s *Scheduler) stop() error {
	s.mu.Lock()
	sess := s.sess
	if sess == nil {
		s.mu.Unlock()
		return nil
	}
	s.cfg.Metrics.Generation.Store(s.machine.Cancel())
	s.sess = nil
	s.result = nil
	s.err = nil
	s.mu.Unlock()

	sess.cancel()
	<-sess.done
	s.cfg.Logger.Info("实时识别已停止", zap.String("session", sess.id))
	return sess.close()
}

// Snapshot 返回当前状态
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Generation: s.machine.Generation(),
		State:      s.machine.State(),
		Result:     s.result,
		Err:        s.err,
	}
	if s.sess != nil {
		snap.Running = true
		snap.SessionID = s.sess.id
	}
	return snap
}

func (s *Scheduler) run(ctx context.Context, sess *session) {
	defer close(sess.done)
	defer sess.ticker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if sess.channel != nil {
		g.Go(func() error { return s.receive(gctx, sess) })
	}
	g.Go(func() error { return s.loop(gctx, sess) })
	err := g.Wait()
	switch {
	case ctx.Err() != nil:
		// Stop 之外的取消来自调用方的 ctx, 会话同样需要收尾
		s.end(sess, nil)
	case err != nil:
		s.end(sess, err)
	}
}

func (s *Scheduler) loop(ctx context.Context, sess *session) error {
	if err := s.tick(ctx, sess); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.ticker.C:
			if err := s.tick(ctx, sess); err != nil {
				return err
			}
		case o := <-sess.results:
			s.handle(sess, o)
		}
	}
}

// tick 调度一帧, 返回的 error 会结束会话
func (s *Scheduler) tick(ctx context.Context, sess *session) error {
	if sess.channel != nil {
		s.expireStalled(sess)
	}
	if !s.machine.Schedule() {
		s.cfg.Metrics.FramesDropped.Inc()
		return nil
	}

	frame, err := s.cfg.Source.Next(ctx)
	if err != nil {
		s.machine.Abort()
		if ctx.Err() == nil {
			s.publishError(sess, err)
		}
		return nil
	}
	ticket, ok := s.machine.Begin()
	if !ok {
		return nil
	}
	sess.inflight = ticket
	sess.sentAt = s.cfg.Clock.Now()
	s.cfg.Metrics.FramesSent.Inc()

	if sess.channel == nil {
		go s.dispatch(ctx, sess, ticket, frame)
		return nil
	}

	data, err := frame.Photo.Bytes()
	if err != nil {
		s.machine.Expire(ticket)
		s.publishError(sess, &waste.PreprocessingError{Err: err})
		return nil
	}
	req := remote.NewStreamRequest(ticket.FrameID, data, frame.Width, frame.Height, s.cfg.ModelID, s.cfg.Settings.Live)
	if err := sess.channel.Send(ctx, req); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// expireStalled 在途请求超过实时超时仍未返回时放弃, 允许发送下一帧
func (s *Scheduler) expireStalled(sess *session) {
	timeout := s.cfg.Settings.Live.Timeout
	if timeout <= 0 || s.cfg.Clock.Since(sess.sentAt) < timeout {
		return
	}
	if s.machine.Expire(sess.inflight) {
		s.publishError(sess, &waste.InferenceEngineError{
			Err: errors.Errorf("第 %d 帧超过 %s 未返回", sess.inflight.FrameID, timeout),
		})
	}
}

func (s *Scheduler) dispatch(ctx context.Context, sess *session, t Ticket, f Frame) {
	res, err := s.cfg.Inferer.Infer(ctx, pipeline.Request{
		Photo:   f.Photo,
		Width:   f.Width,
		Height:  f.Height,
		Purpose: waste.PurposeLive,
		ModelID: s.cfg.ModelID,
	})
	select {
	case sess.results <- outcome{ticket: t, result: res, err: err}:
	case <-ctx.Done():
	}
}

func (s *Scheduler) receive(ctx context.Context, sess *session) error {
	for {
		resp, err := sess.channel.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		o := outcome{
			ticket: Ticket{Generation: sess.generation, FrameID: resp.ID},
			result: resp.Result,
		}
		if resp.Error != "" {
			o.err = &waste.InferenceEngineError{Err: errors.New(resp.Error)}
		}
		select {
		case sess.results <- o:
		case <-ctx.Done():
			return nil
		}
	}
}

// handle 处理一次返回, 过期的结果直接丢弃, 不修改任何状态
func (s *Scheduler) handle(sess *session, o outcome) {
	s.mu.Lock()
	if s.sess != sess || !s.machine.Settle(o.ticket) {
		s.mu.Unlock()
		s.cfg.Metrics.StaleResults.Inc()
		s.cfg.Logger.Debug("丢弃过期结果",
			zap.Uint64("generation", o.ticket.Generation),
			zap.Uint64("frame", o.ticket.FrameID))
		return
	}

	err := o.err
	if err == nil && o.result == nil {
		err = &waste.InferenceEngineError{Err: errors.New("推理没有返回结果")}
	}
	if err != nil {
		var ce *waste.ConfigurationError
		if errors.As(err, &ce) {
			s.mu.Unlock()
			s.end(sess, err)
			return
		}
		s.err = err
		s.mu.Unlock()
		s.frameFailed(sess, err)
		return
	}

	res := s.finalize(o.result)
	s.result = res
	s.err = nil
	s.mu.Unlock()

	s.cfg.Metrics.Published.Inc()
	if !sess.sentAt.IsZero() {
		s.cfg.Metrics.LastLatencyMs.Store(uint64(s.cfg.Clock.Since(sess.sentAt).Milliseconds()))
	}
	s.notify(Update{Generation: sess.generation, Result: res})
}

// finalize 复制结果并应用最低置信度与数量上限
func (s *Scheduler) finalize(in *waste.ModelResult) *waste.ModelResult {
	res := *in
	res.Detections = pipeline.ApplyFloor(in.Detections, s.cfg.Settings.MinConfidence)
	if limit := s.cfg.Settings.Live.MaxDet; limit > 0 && len(res.Detections) > limit {
		res.Detections = res.Detections[:limit]
	}
	if res.ModelID == "" {
		res.ModelID = s.cfg.ModelID
	}
	return &res
}

func (s *Scheduler) publishError(sess *session, err error) {
	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.mu.Unlock()
	s.frameFailed(sess, err)
}

func (s *Scheduler) frameFailed(sess *session, err error) {
	s.cfg.Metrics.Failures.Inc()
	s.cfg.Logger.Warn("单帧识别失败", zap.String("session", sess.id), zap.Error(err))
	s.notify(Update{Generation: sess.generation, Err: err})
}

// end 结束会话, err 为 nil 表示调用方的 ctx 已结束; 会话已被 Stop 替换时不做处理
func (s *Scheduler) end(sess *session, err error) {
	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		return
	}
	s.cfg.Metrics.Generation.Store(s.machine.Cancel())
	s.sess = nil
	s.result = nil
	s.err = err
	s.mu.Unlock()

	sess.cancel()
	if cerr := sess.close(); cerr != nil {
		s.cfg.Logger.Debug("关闭推理通道失败", zap.Error(cerr))
	}
	if err != nil {
		s.cfg.Logger.Error("实时识别已中止", zap.String("session", sess.id), zap.Error(err))
	} else {
		s.cfg.Logger.Info("实时识别已结束", zap.String("session", sess.id))
	}
	s.notify(Update{Generation: sess.generation, Err: err, Stopped: true})
}

func (s *Scheduler) notify(u Update) {
	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate(u)
	}
}
