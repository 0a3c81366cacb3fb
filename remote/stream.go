package remote

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// 单条响应最大 4MB
const streamReadLimit = 4 << 20

// Stream websocket 推理通道
type Stream struct {
	conn   *websocket.Conn
	clock  clock.Clock
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// DialStream 连接 websocket 推理通道
func DialStream(ctx context.Context, endpoint string, logger *zap.Logger) (*Stream, error) {
	if endpoint == "" {
		return nil, errors.New("未配置 websocket 地址")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "连接 %s 失败", endpoint)
	}
	conn.SetReadLimit(streamReadLimit)
	logger.Debug("websocket 已连接", zap.String("endpoint", endpoint))
	return &Stream{conn: conn, clock: clock.New(), logger: logger}, nil
}

// Send 发送一帧
func (s *Stream) Send(ctx context.Context, req StreamRequest) error {
	if err := wsjson.Write(ctx, s.conn, req); err != nil {
		return errors.Wrapf(err, "发送第 %d 帧失败", req.ID)
	}
	return nil
}

// Receive 阻塞读取下一条响应
//
// 连接异常时返回 error, 服务端返回的业务错误放在 StreamResponse.Error 中
func (s *Stream) Receive(ctx context.Context) (StreamResponse, error) {
	var raw map[string]any
	if err := wsjson.Read(ctx, s.conn, &raw); err != nil {
		return StreamResponse{}, errors.Wrap(err, "读取响应失败")
	}
	return parseStreamResponse(raw, s.clock.Now()), nil
}

// Close 正常关闭连接, 可重复调用
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return s.closeErr
}
