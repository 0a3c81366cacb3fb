package remote

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/getcharzp/go-waste"
	"github.com/spf13/cast"
)

// ModelOption 服务端可选的模型
type ModelOption struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Version string `json:"version"`
	Kind    string `json:"kind,omitempty"`
}

// StreamRequest websocket 请求, 一帧一条
type StreamRequest struct {
	ID     uint64  `json:"id"`
	Image  string  `json:"image"` // base64 编码的 jpeg/png
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Model  string  `json:"model,omitempty"`
	Conf   float64 `json:"conf"`
	IOU    float64 `json:"iou"`
	MaxDet int     `json:"max_det"`
	ImgSz  int     `json:"imgsz"`
}

// NewStreamRequest 按用途参数生成请求
func NewStreamRequest(id uint64, image []byte, w, h int, model string, pc waste.PurposeConfig) StreamRequest {
	return StreamRequest{
		ID:     id,
		Image:  base64.StdEncoding.EncodeToString(image),
		Width:  w,
		Height: h,
		Model:  model,
		Conf:   pc.Conf,
		IOU:    pc.IOU,
		MaxDet: pc.MaxDet,
		ImgSz:  pc.ImageSize,
	}
}

// StreamResponse websocket 响应, Error 与 Result 二选一
type StreamResponse struct {
	ID     uint64 // 服务端未回传时为 0
	Error  string
	Result *waste.ModelResult
}

// parseStreamResponse 宽松解析服务端消息
func parseStreamResponse(raw map[string]any, now time.Time) StreamResponse {
	resp := StreamResponse{ID: cast.ToUint64(raw["id"])}
	if e, ok := raw["error"]; ok && e != nil {
		resp.Error = cast.ToString(e)
		if resp.Error == "" {
			resp.Error = "未知错误"
		}
		return resp
	}
	resp.Result = coerceResult(raw, 0, 0, now)
	return resp
}

// coerceResult 把服务端 JSON 转换为 ModelResult, 字段缺失时使用兜底值
func coerceResult(raw map[string]any, fallbackW, fallbackH int, now time.Time) *waste.ModelResult {
	res := &waste.ModelResult{
		ModelVersion: "api",
		RanAt:        now,
		Image:        waste.ImageSize{Width: fallbackW, Height: fallbackH},
		Detections:   coerceDetections(raw["detections"]),
	}
	if v := cast.ToString(raw["modelVersion"]); v != "" {
		res.ModelVersion = v
	}
	if id, ok := raw["modelId"].(string); ok {
		res.ModelID = id
	}
	if s, ok := raw["ranAt"].(string); ok {
		if t, err := cast.ToTimeE(s); err == nil {
			res.RanAt = t
		}
	}
	if img, ok := raw["image"].(map[string]any); ok {
		if w := cast.ToInt(img["width"]); w > 0 {
			res.Image.Width = w
		}
		if h := cast.ToInt(img["height"]); h > 0 {
			res.Image.Height = h
		}
	}
	return res
}

func coerceDetections(raw any) []waste.Detection {
	items, ok := raw.([]any)
	if !ok {
		return []waste.Detection{}
	}
	dets := make([]waste.Detection, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		det := waste.Detection{
			Label:      waste.ParseCategory(cast.ToString(m["label"])),
			Confidence: waste.Clamp01(cast.ToFloat64(m["confidence"])),
		}
		if b, ok := m["box"].(map[string]any); ok {
			det.Box = &waste.NormalizedBox{
				X:      waste.Clamp01(cast.ToFloat64(b["x"])),
				Y:      waste.Clamp01(cast.ToFloat64(b["y"])),
				Width:  waste.Clamp01(cast.ToFloat64(b["width"])),
				Height: waste.Clamp01(cast.ToFloat64(b["height"])),
			}
		}
		dets = append(dets, det)
	}
	return dets
}

func coerceModels(raw map[string]any) ([]ModelOption, string) {
	items, _ := raw["models"].([]any)
	models := make([]ModelOption, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		opt := ModelOption{
			ID:      strings.TrimSpace(cast.ToString(m["id"])),
			Label:   strings.TrimSpace(cast.ToString(m["label"])),
			Version: strings.TrimSpace(cast.ToString(m["version"])),
		}
		if opt.ID == "" || opt.Label == "" {
			continue
		}
		if opt.Version == "" {
			opt.Version = opt.ID
		}
		if k, ok := m["kind"].(string); ok {
			opt.Kind = k
		}
		models = append(models, opt)
	}
	def, _ := raw["default"].(string)
	return models, def
}
