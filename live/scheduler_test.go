package live

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/getcharzp/go-waste"
	"github.com/getcharzp/go-waste/pipeline"
	"github.com/getcharzp/go-waste/remote"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

type stubSource struct{}

func (stubSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{Photo: waste.Photo{Data: []byte("frame")}, Width: 640, Height: 480}, nil
}

type reply struct {
	res *waste.ModelResult
	err error
}

type call struct {
	req   pipeline.Request
	reply chan reply
}

// manualInferer 每次调用都等待测试给出结果, 不理会 ctx
type manualInferer struct {
	calls chan call
}

func newManualInferer() *manualInferer {
	return &manualInferer{calls: make(chan call, 8)}
}

func (m *manualInferer) Infer(_ context.Context, req pipeline.Request) (*waste.ModelResult, error) {
	c := call{req: req, reply: make(chan reply, 1)}
	m.calls <- c
	r := <-c.reply
	return r.res, r.err
}

type fakeChannel struct {
	sent     chan remote.StreamRequest
	incoming chan remote.StreamResponse
	errs     chan error
	closed   atomic.Bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		sent:     make(chan remote.StreamRequest, 8),
		incoming: make(chan remote.StreamResponse, 8),
		errs:     make(chan error, 1),
	}
}

func (f *fakeChannel) Send(_ context.Context, req remote.StreamRequest) error {
	f.sent <- req
	return nil
}

func (f *fakeChannel) Receive(ctx context.Context) (remote.StreamResponse, error) {
	select {
	case r := <-f.incoming:
		return r, nil
	case err := <-f.errs:
		return remote.StreamResponse{}, err
	case <-ctx.Done():
		return remote.StreamResponse{}, ctx.Err()
	}
}

func (f *fakeChannel) Close() error {
	f.closed.Store(true)
	return nil
}

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("等待超时")
	}
	var zero T
	return zero
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("条件未满足")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func result(version string, dets ...waste.Detection) *waste.ModelResult {
	return &waste.ModelResult{
		ModelVersion: version,
		Image:        waste.ImageSize{Width: 640, Height: 480},
		Detections:   dets,
	}
}

func det(label waste.Category, conf float64) waste.Detection {
	return waste.Detection{Label: label, Confidence: conf, Box: &waste.NormalizedBox{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2}}
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *clock.Mock, chan Update) {
	t.Helper()
	mock := clock.NewMock()
	updates := make(chan Update, 64)
	cfg.Settings = waste.DefaultSettings()
	cfg.Source = stubSource{}
	cfg.Clock = mock
	cfg.Logger = zaptest.NewLogger(t)
	cfg.OnUpdate = func(u Update) { updates <- u }
	s, err := NewScheduler(cfg)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { _ = s.Stop() })
	return s, mock, updates
}

// idleSession 没有调度协程的会话, 用于直接调用 handle
func idleSession(id string, gen uint64) *session {
	done := make(chan struct{})
	close(done)
	return &session{id: id, generation: gen, cancel: func() {}, done: done}
}

func TestNewSchedulerValidation(t *testing.T) {
	var ce *waste.ConfigurationError

	_, err := NewScheduler(Config{Inferer: newManualInferer()})
	test.That(t, errors.As(err, &ce), test.ShouldBeTrue)

	_, err = NewScheduler(Config{Source: stubSource{}})
	test.That(t, errors.As(err, &ce), test.ShouldBeTrue)

	s, err := NewScheduler(Config{Source: stubSource{}, Inferer: newManualInferer()})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.cfg.PollInterval, test.ShouldEqual, DefaultPollInterval)
	test.That(t, s.Metrics(), test.ShouldNotBeNil)
	test.That(t, s.Snapshot().Running, test.ShouldBeFalse)
	test.That(t, s.Stop(), test.ShouldBeNil)
}

func TestSchedulerPollingPublishes(t *testing.T) {
	inf := newManualInferer()
	s, mock, updates := newTestScheduler(t, Config{Inferer: inf, ModelID: "yolov8"})

	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	c := recv(t, inf.calls)
	test.That(t, c.req.Purpose, test.ShouldEqual, waste.PurposeLive)
	test.That(t, c.req.Width, test.ShouldEqual, 640)
	test.That(t, c.req.ModelID, test.ShouldEqual, "yolov8")
	test.That(t, s.Snapshot().State, test.ShouldEqual, StateInFlight)

	c.reply <- reply{res: result("v1", det(waste.CategoryPlastic, 0.9), det(waste.CategoryGlass, 0.2))}
	u := recv(t, updates)
	test.That(t, u.Err, test.ShouldBeNil)
	test.That(t, u.Result.ModelID, test.ShouldEqual, "yolov8")
	test.That(t, u.Result.Detections, test.ShouldHaveLength, 1)
	test.That(t, u.Result.Detections[0].Label, test.ShouldEqual, waste.CategoryPlastic)

	snap := s.Snapshot()
	test.That(t, snap.Running, test.ShouldBeTrue)
	test.That(t, snap.SessionID, test.ShouldNotBeBlank)
	test.That(t, snap.Generation, test.ShouldEqual, uint64(1))
	test.That(t, snap.Detections(), test.ShouldHaveLength, 1)

	// 单帧失败只更新状态, 调度继续
	mock.Add(DefaultPollInterval)
	c = recv(t, inf.calls)
	c.reply <- reply{err: &waste.InferenceEngineError{Err: errors.New("timeout")}}
	u = recv(t, updates)
	test.That(t, u.Stopped, test.ShouldBeFalse)
	var ie *waste.InferenceEngineError
	test.That(t, errors.As(u.Err, &ie), test.ShouldBeTrue)
	test.That(t, s.Snapshot().Err, test.ShouldNotBeNil)
	test.That(t, s.Snapshot().Detections(), test.ShouldHaveLength, 1)

	mock.Add(DefaultPollInterval)
	c = recv(t, inf.calls)
	c.reply <- reply{res: result("v1")}
	u = recv(t, updates)
	test.That(t, u.Result.Detections, test.ShouldBeEmpty)
	test.That(t, s.Snapshot().Err, test.ShouldBeNil)

	test.That(t, s.Stop(), test.ShouldBeNil)
	snap = s.Snapshot()
	test.That(t, snap.Running, test.ShouldBeFalse)
	test.That(t, snap.Result, test.ShouldBeNil)
	test.That(t, snap.State, test.ShouldEqual, StateCancelled)
	test.That(t, snap.Generation, test.ShouldEqual, uint64(2))
	test.That(t, s.Metrics().Published.Load(), test.ShouldEqual, uint64(2))
	test.That(t, s.Metrics().Failures.Load(), test.ShouldEqual, uint64(1))
}

func TestSchedulerDropsFramesWhileInFlight(t *testing.T) {
	inf := newManualInferer()
	s, mock, updates := newTestScheduler(t, Config{Inferer: inf})

	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	c := recv(t, inf.calls)

	mock.Add(DefaultPollInterval)
	eventually(t, func() bool { return s.Metrics().FramesDropped.Load() == 1 })
	mock.Add(DefaultPollInterval)
	eventually(t, func() bool { return s.Metrics().FramesDropped.Load() == 2 })
	test.That(t, inf.calls, test.ShouldBeEmpty)
	test.That(t, s.Metrics().FramesSent.Load(), test.ShouldEqual, uint64(1))

	c.reply <- reply{res: result("v1")}
	recv(t, updates)
	mock.Add(DefaultPollInterval)
	recv(t, inf.calls).reply <- reply{res: result("v1")}
	recv(t, updates)
	test.That(t, s.Metrics().FramesSent.Load(), test.ShouldEqual, uint64(2))
}

func TestSchedulerRestartDiscardsLateResult(t *testing.T) {
	inf := newManualInferer()
	s, _, updates := newTestScheduler(t, Config{Inferer: inf})

	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	old := recv(t, inf.calls)

	test.That(t, s.Restart(context.Background(), "camera facing"), test.ShouldBeNil)
	test.That(t, s.Snapshot().Generation, test.ShouldEqual, uint64(3))
	cur := recv(t, inf.calls)

	old.reply <- reply{res: result("old", det(waste.CategoryMetal, 0.99))}
	time.Sleep(20 * time.Millisecond)
	test.That(t, s.Snapshot().Result, test.ShouldBeNil)

	cur.reply <- reply{res: result("new", det(waste.CategoryPaper, 0.8))}
	u := recv(t, updates)
	test.That(t, u.Generation, test.ShouldEqual, uint64(3))
	test.That(t, u.Result.ModelVersion, test.ShouldEqual, "new")
	test.That(t, s.Snapshot().Result.ModelVersion, test.ShouldEqual, "new")
	test.That(t, updates, test.ShouldBeEmpty)
}

func TestSchedulerHandleIgnoresStaleTicket(t *testing.T) {
	s, _, updates := newTestScheduler(t, Config{Inferer: newManualInferer()})

	first := idleSession("first", s.machine.Reset())
	s.sess = first
	s.machine.Schedule()
	t1, _ := s.machine.Begin()
	s.handle(first, outcome{ticket: t1, result: result("v1", det(waste.CategoryGlass, 0.7))})
	test.That(t, s.Snapshot().Detections(), test.ShouldHaveLength, 1)
	recv(t, updates)

	s.machine.Schedule()
	late, _ := s.machine.Begin()

	// 模拟切换模型: 代数加一, 清空已发布的结果
	s.machine.Cancel()
	second := idleSession("second", s.machine.Reset())
	s.mu.Lock()
	s.sess = second
	s.result = nil
	s.mu.Unlock()
	s.machine.Schedule()
	s.machine.Begin()

	s.handle(second, outcome{ticket: late, result: result("late", det(waste.CategoryBattery, 0.9))})
	s.handle(first, outcome{ticket: late, result: result("late", det(waste.CategoryBattery, 0.9))})

	snap := s.Snapshot()
	test.That(t, snap.Result, test.ShouldBeNil)
	test.That(t, snap.Err, test.ShouldBeNil)
	test.That(t, snap.State, test.ShouldEqual, StateInFlight)
	test.That(t, s.Metrics().StaleResults.Load(), test.ShouldEqual, uint64(2))
	test.That(t, updates, test.ShouldBeEmpty)
}

func TestSchedulerConfigurationErrorStops(t *testing.T) {
	inf := newManualInferer()
	s, _, updates := newTestScheduler(t, Config{Inferer: inf})

	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	recv(t, inf.calls).reply <- reply{err: &waste.ConfigurationError{Err: errors.New("no model")}}
	u := recv(t, updates)
	test.That(t, u.Stopped, test.ShouldBeTrue)

	snap := s.Snapshot()
	test.That(t, snap.Running, test.ShouldBeFalse)
	test.That(t, snap.Err, test.ShouldNotBeNil)
	test.That(t, s.Stop(), test.ShouldBeNil)
}

func streamScheduler(t *testing.T) (*Scheduler, *clock.Mock, chan Update, *fakeChannel) {
	t.Helper()
	fc := newFakeChannel()
	s, mock, updates := newTestScheduler(t, Config{
		ModelID: "yolov8",
		Dialer: DialerFunc(func(context.Context) (Channel, error) {
			return fc, nil
		}),
	})
	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	return s, mock, updates, fc
}

func TestSchedulerStream(t *testing.T) {
	s, mock, updates, fc := streamScheduler(t)

	req := recv(t, fc.sent)
	test.That(t, req.ID, test.ShouldEqual, uint64(1))
	test.That(t, req.Image, test.ShouldEqual, base64.StdEncoding.EncodeToString([]byte("frame")))
	test.That(t, req.Model, test.ShouldEqual, "yolov8")
	test.That(t, req.Conf, test.ShouldEqual, 0.25)
	test.That(t, req.ImgSz, test.ShouldEqual, 320)
	test.That(t, req.Width, test.ShouldEqual, 640)

	fc.incoming <- remote.StreamResponse{ID: 1, Result: result("api", det(waste.CategoryPlastic, 0.5), det(waste.CategoryPaper, 0.3))}
	u := recv(t, updates)
	test.That(t, u.Result.Detections, test.ShouldHaveLength, 1)

	mock.Add(DefaultStreamInterval)
	test.That(t, recv(t, fc.sent).ID, test.ShouldEqual, uint64(2))
	fc.incoming <- remote.StreamResponse{ID: 2, Error: "Unknown model 'x'"}
	u = recv(t, updates)
	test.That(t, u.Err, test.ShouldNotBeNil)
	test.That(t, u.Err.Error(), test.ShouldContainSubstring, "Unknown model")
	test.That(t, u.Stopped, test.ShouldBeFalse)

	// 通道错误结束会话
	mock.Add(DefaultStreamInterval)
	recv(t, fc.sent)
	fc.errs <- errors.New("connection reset")
	u = recv(t, updates)
	test.That(t, u.Stopped, test.ShouldBeTrue)
	eventually(t, fc.closed.Load)

	snap := s.Snapshot()
	test.That(t, snap.Running, test.ShouldBeFalse)
	test.That(t, snap.Err.Error(), test.ShouldContainSubstring, "connection reset")
	test.That(t, snap.Result, test.ShouldBeNil)
}

func TestSchedulerEndsWhenContextCancelled(t *testing.T) {
	fc := newFakeChannel()
	s, _, updates := newTestScheduler(t, Config{
		Dialer: DialerFunc(func(context.Context) (Channel, error) {
			return fc, nil
		}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	test.That(t, s.Start(ctx), test.ShouldBeNil)
	recv(t, fc.sent)
	test.That(t, s.Snapshot().Running, test.ShouldBeTrue)

	cancel()
	u := recv(t, updates)
	test.That(t, u.Stopped, test.ShouldBeTrue)
	test.That(t, u.Err, test.ShouldBeNil)
	eventually(t, fc.closed.Load)

	snap := s.Snapshot()
	test.That(t, snap.Running, test.ShouldBeFalse)
	test.That(t, snap.State, test.ShouldEqual, StateCancelled)
	test.That(t, snap.Generation, test.ShouldBeGreaterThan, u.Generation)
	test.That(t, s.Metrics().Generation.Load(), test.ShouldEqual, snap.Generation)
	test.That(t, s.Stop(), test.ShouldBeNil)
}

func TestSchedulerStreamStall(t *testing.T) {
	s, mock, updates, fc := streamScheduler(t)
	recv(t, fc.sent)

	mock.Add(waste.DefaultSettings().Live.Timeout)
	u := recv(t, updates)
	test.That(t, u.Err.Error(), test.ShouldContainSubstring, "未返回")
	next := recv(t, fc.sent)
	test.That(t, next.ID, test.ShouldEqual, uint64(2))

	// 超时帧的迟到结果按过期处理
	fc.incoming <- remote.StreamResponse{ID: 1, Result: result("late", det(waste.CategoryMetal, 0.9))}
	eventually(t, func() bool { return s.Metrics().StaleResults.Load() == 1 })
	test.That(t, s.Snapshot().Result, test.ShouldBeNil)

	fc.incoming <- remote.StreamResponse{ID: 2, Result: result("api", det(waste.CategoryMetal, 0.9))}
	u = recv(t, updates)
	test.That(t, u.Result.ModelVersion, test.ShouldEqual, "api")
}

func TestSchedulerDialFailure(t *testing.T) {
	s, err := NewScheduler(Config{
		Source: stubSource{},
		Clock:  clock.NewMock(),
		Dialer: DialerFunc(func(context.Context) (Channel, error) {
			return nil, errors.New("refused")
		}),
	})
	test.That(t, err, test.ShouldBeNil)
	err = s.Start(context.Background())
	var ie *waste.InferenceEngineError
	test.That(t, errors.As(err, &ie), test.ShouldBeTrue)
	test.That(t, s.Snapshot().Running, test.ShouldBeFalse)
	test.That(t, s.Snapshot().State, test.ShouldEqual, StateCancelled)
}
