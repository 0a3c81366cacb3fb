package waste

import (
	"fmt"
)

// PreprocessingError 图片解码/缩放失败，当前调用直接失败，不重试
type PreprocessingError struct {
	Err error
}

func (e *PreprocessingError) Error() string {
	return fmt.Sprintf("预处理失败: %v", e.Err)
}

func (e *PreprocessingError) Unwrap() error { return e.Err }

// InferenceEngineError 检测器不可用、超时或返回了无法使用的输出
//
// 实时模式下视为单帧的瞬时失败，调度器继续处理下一帧
type InferenceEngineError struct {
	Err error
}

func (e *InferenceEngineError) Error() string {
	return fmt.Sprintf("推理失败: %v", e.Err)
}

func (e *InferenceEngineError) Unwrap() error { return e.Err }

// ConfigurationError 缺少模型路径或服务地址等必需配置
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("配置错误: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DecodeShapeError 模型输出形状无法识别
//
// 只记录日志，解码结果降级为空列表
type DecodeShapeError struct {
	Shape  []int64
	Attrs  int // 期望的属性数 4 + NumClasses
	Length int // 实际数据长度
	Reason string
}

func (e *DecodeShapeError) Error() string {
	return fmt.Sprintf("无法识别的输出形状 %v (attrs=%d, len=%d): %s", e.Shape, e.Attrs, e.Length, e.Reason)
}
