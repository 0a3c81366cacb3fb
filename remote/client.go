// Package remote 远程推理服务的客户端: HTTP /predict、/models 与 websocket /stream
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/getcharzp/go-waste"
	"github.com/getcharzp/go-waste/pipeline"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Client 远程推理客户端
type Client struct {
	baseURL  string
	settings waste.Settings
	http     *http.Client
	clock    clock.Clock
	logger   *zap.Logger
}

// Option Client 选项
type Option func(*Client)

// WithHTTPClient 指定 http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock 指定时钟, 服务端未返回 ranAt 时使用
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// NewClient 创建客户端, 未配置 InferenceURL 时返回 ConfigurationError
func NewClient(s waste.Settings, logger *zap.Logger, opts ...Option) (*Client, error) {
	if s.InferenceURL == "" {
		return nil, &waste.ConfigurationError{Err: errors.New("未配置推理服务地址 (WASTE_INFERENCE_URL)")}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:  s.InferenceURL,
		settings: s,
		http:     http.DefaultClient,
		clock:    clock.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Infer 上传照片到 /predict
func (c *Client) Infer(ctx context.Context, req pipeline.Request) (*waste.ModelResult, error) {
	data, err := req.Photo.Bytes()
	if err != nil {
		return nil, &waste.PreprocessingError{Err: err}
	}
	purpose := req.Purpose
	if purpose != waste.PurposeLive {
		purpose = waste.PurposeCapture
	}
	pc := c.settings.ForPurpose(purpose)
	if pc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pc.Timeout)
		defer cancel()
	}

	body, contentType, err := multipartBody(data)
	if err != nil {
		return nil, &waste.PreprocessingError{Err: err}
	}

	q := url.Values{}
	q.Set("imgsz", strconv.Itoa(pc.ImageSize))
	q.Set("conf", strconv.FormatFloat(pc.Conf, 'f', -1, 64))
	q.Set("iou", strconv.FormatFloat(pc.IOU, 'f', -1, 64))
	q.Set("max_det", strconv.Itoa(pc.MaxDet))
	if req.ModelID != "" {
		q.Set("model", req.ModelID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict?"+q.Encode(), body)
	if err != nil {
		return nil, &waste.ConfigurationError{Err: errors.Wrap(err, "构造请求失败")}
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	raw, err := c.doJSON(httpReq)
	if err != nil {
		return nil, &waste.InferenceEngineError{Err: err}
	}
	res := coerceResult(raw, req.Width, req.Height, c.clock.Now())
	res.Detections = pipeline.ApplyFloor(res.Detections, c.settings.MinConfidence)
	if pc.MaxDet > 0 && len(res.Detections) > pc.MaxDet {
		res.Detections = res.Detections[:pc.MaxDet]
	}
	c.logger.Debug("远程推理完成",
		zap.String("purpose", string(purpose)),
		zap.String("model", res.ModelVersion),
		zap.Int("detections", len(res.Detections)))
	return res, nil
}

// Models 查询 /models, 失败或为空时退回 /health 的默认模型
func (c *Client) Models(ctx context.Context) ([]ModelOption, string, error) {
	if raw, err := c.getJSON(ctx, "/models"); err == nil {
		if models, def := coerceModels(raw); len(models) > 0 {
			return models, def, nil
		}
	} else {
		c.logger.Debug("读取 /models 失败, 改用 /health", zap.Error(err))
	}

	raw, err := c.getJSON(ctx, "/health")
	if err != nil {
		return nil, "", &waste.InferenceEngineError{Err: errors.Wrap(err, "加载模型列表失败")}
	}
	label, _ := raw["modelVersion"].(string)
	if label == "" {
		label = "api"
	}
	id, hasID := raw["modelId"].(string)
	opt := ModelOption{ID: id, Label: label, Version: label}
	if !hasID {
		opt.ID = "default"
	}
	return []ModelOption{opt}, id, nil
}

func (c *Client) getJSON(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.doJSON(req)
}

func (c *Client) doJSON(req *http.Request) (map[string]any, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "请求 %s 失败", req.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := string(bytes.TrimSpace(text))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, errors.Errorf("%s 返回 %d: %s", req.URL.Path, resp.StatusCode, msg)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.Wrapf(err, "解析 %s 响应失败", req.URL.Path)
	}
	return raw, nil
}

// multipartBody 生成只包含 file 字段的表单, 内容类型按数据嗅探
func multipartBody(data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	mime := http.DetectContentType(data)
	name := "photo.jpg"
	if mime == "image/png" {
		name = "photo.png"
	} else if mime == "image/webp" {
		name = "photo.webp"
	} else if mime != "image/jpeg" {
		mime = "image/jpeg"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, name))
	h.Set("Content-Type", mime)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", errors.Wrap(err, "创建表单失败")
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", errors.Wrap(err, "写入表单失败")
	}
	if err := mw.Close(); err != nil {
		return nil, "", errors.Wrap(err, "写入表单失败")
	}
	return &buf, mw.FormDataContentType(), nil
}
