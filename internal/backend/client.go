// Package backend is the HTTP transport for the chat-completion and image-generation
// endpoints of an OpenAI-compatible gateway.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	oshared "github.com/openai/openai-go/shared"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	chatCompletionsPath  = "chat/completions"
	imageGenerationsPath = "images/generations"

	maxErrorBodyBytes = 1 << 20  // 1 MiB
	maxImageBodyBytes = 64 << 20 // b64 payloads are large

	defaultImageTimeout = 2 * time.Minute
)

type Options struct {
	// BaseURL is the API root, e.g. "http://localhost:5050/api/v1".
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Headers are added to every request.
	Headers map[string]string
	// ImageTimeout bounds a whole image-generation call. Streams are bounded by ctx only.
	ImageTimeout time.Duration

	HTTPClient *http.Client
	Log        *slog.Logger
}

type Client struct {
	baseURL      *url.URL
	apiKey       string
	headers      map[string]string
	imageTimeout time.Duration
	httpClient   *http.Client
	log          *slog.Logger
}

func NewClient(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("missing base url")
	}
	u, err := url.Parse(raw)
	if err != nil || u == nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("invalid base url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("invalid base url host")
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		headers[k] = strings.TrimSpace(v)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := opts.ImageTimeout
	if timeout <= 0 {
		timeout = defaultImageTimeout
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:      u,
		apiKey:       strings.TrimSpace(opts.APIKey),
		headers:      headers,
		imageTimeout: timeout,
		httpClient:   hc,
		log:          log,
	}, nil
}

// StreamChat starts a streamed chat completion and hands back the unread event-stream
// body. The caller owns the body and must close it.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	body, err := buildChatBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, chatCompletionsPath, body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readTransportError(resp)
	}
	c.log.Debug("chat stream opened", "model", req.Model, "messages", len(req.Messages), "status", resp.StatusCode)
	return resp.Body, nil
}

// GenerateImages requests req.Count images and returns them in backend order.
func (c *Client) GenerateImages(ctx context.Context, req ImageRequest) ([]Image, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	body, err := buildImageBody(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.imageTimeout)
	defer cancel()

	resp, err := c.post(ctx, imageGenerationsPath, body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readTransportError(resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBodyBytes))
	if err != nil {
		return nil, err
	}
	images, err := decodeImages(raw)
	if err != nil {
		return nil, err
	}
	c.log.Debug("images generated", "requested", req.Count, "returned", len(images), "size", req.Size)
	return images, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, accept string) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: path})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.httpClient.Do(httpReq)
}

func buildChatBody(req ChatRequest) ([]byte, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, errors.New("missing model")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("missing messages")
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    oshared.ChatModel(model),
		Messages: messages,
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	// The params type has no stream field; the SDK adds it per call.
	return sjson.SetBytes(b, "stream", true)
}

func buildImageBody(req ImageRequest) ([]byte, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("missing prompt")
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	params := openai.ImageGenerateParams{
		Prompt: req.Prompt,
		N:      openai.Int(int64(count)),
	}
	if size := strings.TrimSpace(req.Size); size != "" {
		params.Size = openai.ImageGenerateParamsSize(size)
	}
	switch req.ResponseFormat {
	case "", ResponseFormatURL:
	case ResponseFormatB64JSON:
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatB64JSON
	default:
		return nil, fmt.Errorf("unsupported response format %q", req.ResponseFormat)
	}
	return json.Marshal(params)
}

func decodeImages(raw []byte) ([]Image, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("invalid image generation response")
	}
	list := gjson.ParseBytes(raw)
	if !list.IsArray() {
		// OpenAI proper wraps the list in {"data": [...]}.
		list = list.Get("data")
	}
	if !list.IsArray() {
		return nil, errors.New("invalid image generation response")
	}
	var images []Image
	if err := json.Unmarshal([]byte(list.Raw), &images); err != nil {
		return nil, fmt.Errorf("invalid image generation response: %w", err)
	}
	return images, nil
}

func readTransportError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &TransportError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
}

// errorMessage extracts the error description from {"error": "..."} or
// {"error": {"message": "..."}} and falls back to the raw body.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		e := gjson.GetBytes(body, "error")
		switch {
		case e.Type == gjson.String:
			return strings.TrimSpace(e.Str)
		case e.IsObject():
			if msg := strings.TrimSpace(e.Get("message").String()); msg != "" {
				return msg
			}
		}
	}
	return strings.TrimSpace(string(body))
}
