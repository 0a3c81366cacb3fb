package pipeline

import (
	"context"

	"github.com/getcharzp/go-waste"
	"go.uber.org/zap"
)

// Fallback 主推理失败时改用备用推理, 例如本地失败后请求远程服务
type Fallback struct {
	Primary   Inferer
	Secondary Inferer
	Logger    *zap.Logger
}

// Infer 先走 Primary, 失败且 ctx 仍有效时走 Secondary
func (f Fallback) Infer(ctx context.Context, req Request) (*waste.ModelResult, error) {
	res, err := f.Primary.Infer(ctx, req)
	if err == nil || f.Secondary == nil || ctx.Err() != nil {
		return res, err
	}
	if f.Logger != nil {
		f.Logger.Warn("本地推理失败, 改用远程服务", zap.Error(err))
	}
	return f.Secondary.Infer(ctx, req)
}
