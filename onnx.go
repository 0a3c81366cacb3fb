package waste

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// OnnxConfig ONNX Runtime 会话配置
type OnnxConfig struct {
	SessionOptions *ort.SessionOptions

	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime.so (或 .dll, .dylib) 的路径
	// 可选参数
	UseCuda    bool // (可选) 是否启用 CUDA
	NumThreads int  // (可选) 推理线程数, 0 表示由 ONNX Runtime 决定
}

var (
	envErr  error
	envOnce sync.Once
)

// New 初始化 ONNX 环境并创建会话选项
//
// 环境在进程内只初始化一次，多个检测器可以共用
func (cfg *OnnxConfig) New() error {
	if cfg.OnnxRuntimeLibPath == "" {
		return &ConfigurationError{Err: errors.New("OnnxRuntimeLibPath 不能为空")}
	}
	envOnce.Do(func() {
		ort.SetSharedLibraryPath(cfg.OnnxRuntimeLibPath)
		envErr = ort.InitializeEnvironment()
	})
	if envErr != nil {
		return &InferenceEngineError{Err: errors.Wrap(envErr, "初始化 ONNX Runtime 环境失败")}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return &InferenceEngineError{Err: errors.Wrap(err, "创建 SessionOptions 失败")}
	}
	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			options.Destroy()
			return &InferenceEngineError{Err: errors.Wrap(err, "设置线程数失败")}
		}
	}

	if cfg.UseCuda {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return &InferenceEngineError{Err: errors.Wrap(err, "创建 CUDAProviderOptions 失败")}
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			options.Destroy()
			return &InferenceEngineError{Err: errors.Wrap(err, "添加 CUDA 执行提供者失败")}
		}
	}
	cfg.SessionOptions = options
	return nil
}

// Destroy 释放会话选项，环境本身不释放
func (cfg *OnnxConfig) Destroy() {
	if cfg.SessionOptions != nil {
		cfg.SessionOptions.Destroy()
		cfg.SessionOptions = nil
	}
}

// DefaultLibraryPath 根据运行平台推断动态库路径
//
//	linux/arm64 -> ./lib/onnxruntime_arm64.so
//	windows     -> ./lib/onnxruntime.dll
func DefaultLibraryPath() string {
	const baseDir, libName = "./lib/", "onnxruntime"

	var ext string
	switch runtime.GOOS {
	case "windows":
		return baseDir + libName + ".dll"
	case "darwin":
		ext = "dylib"
	case "linux":
		ext = "so"
	default:
		return baseDir + libName + "_amd64.so"
	}
	return fmt.Sprintf("%s%s_%s.%s", baseDir, libName, runtime.GOARCH, ext)
}
