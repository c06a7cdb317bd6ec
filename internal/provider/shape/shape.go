// Package shape is the HTTP client for the Shap-E generation bridge.
package shape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manash/gen3d/internal/provider"
	"github.com/manash/gen3d/pkg/models"
)

// DefaultBatchSeeds is used when GenerateBatch is called without seeds.
var DefaultBatchSeeds = []int{0, 1, 2}

type genRequest struct {
	Prompt        string  `json:"prompt"`
	Seed          int     `json:"seed"`
	GuidanceScale float64 `json:"guidance_scale"`
	Steps         int     `json:"num_inference_steps"`
}

type genResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type batchRequest struct {
	Prompt        string  `json:"prompt"`
	Seeds         []int   `json:"seeds"`
	GuidanceScale float64 `json:"guidance_scale"`
	Steps         int     `json:"num_inference_steps"`
}

type batchResponse struct {
	Items []struct {
		Seed int    `json:"seed"`
		URL  string `json:"url"`
	} `json:"items"`
}

type sessionCreateRequest struct {
	Title         string  `json:"title,omitempty"`
	Seed          int     `json:"seed"`
	GuidanceScale float64 `json:"guidance_scale"`
	Steps         int     `json:"num_inference_steps"`
}

type appendRequest struct {
	SessionID     string  `json:"session_id"`
	Edit          string  `json:"edit"`
	Seed          int     `json:"seed"`
	GuidanceScale float64 `json:"guidance_scale"`
	Steps         int     `json:"num_inference_steps"`
}

type sessionResponse struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	CreatedAt float64       `json:"created_at"`
	Items     []sessionItem `json:"items"`
}

type sessionItem struct {
	ID        string        `json:"id"`
	Prompt    string        `json:"prompt"`
	Params    models.Params `json:"params"`
	URL       string        `json:"url"`
	CreatedAt float64       `json:"created_at"`
}

type errorResponse struct {
	Detail any `json:"detail"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	verbose    bool
}

var _ provider.Backend = (*Client)(nil)

func New(cfg *provider.Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, provider.ErrBaseURLRequired
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := &http.Client{}
	if cfg.TimeoutSec > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With(zap.String("component", "shape_client")),
		verbose:    cfg.Verbose,
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) CreateSession(ctx context.Context, title string, params models.Params) (*models.BackendSession, error) {
	params = params.Normalize()
	req := sessionCreateRequest{
		Title:         title,
		Seed:          params.Seed,
		GuidanceScale: params.GuidanceScale,
		Steps:         params.Steps,
	}

	var resp sessionResponse
	if err := c.postJSON(ctx, "create session", "/session/new", req, &resp, false); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("%w: session id missing", provider.ErrInvalidResponse)
	}
	return c.buildSession(resp)
}

func (c *Client) AppendEdit(ctx context.Context, sessionID, instruction string, params models.Params) (*models.GenerationResult, error) {
	if sessionID == "" {
		return nil, models.ErrNoSessionID
	}
	params = params.Normalize()
	req := appendRequest{
		SessionID:     sessionID,
		Edit:          models.InstructionOrFallback(instruction),
		Seed:          params.Seed,
		GuidanceScale: params.GuidanceScale,
		Steps:         params.Steps,
	}

	var resp genResponse
	if err := c.postJSON(ctx, "append edit", "/session/append", req, &resp, true); err != nil {
		return nil, err
	}
	return c.buildResult(resp)
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*models.BackendSession, error) {
	if sessionID == "" {
		return nil, models.ErrNoSessionID
	}

	var resp sessionResponse
	if err := c.do(ctx, "get session", http.MethodGet, "/session/"+sessionID, "", nil, &resp, true); err != nil {
		return nil, err
	}
	return c.buildSession(resp)
}

func (c *Client) Generate(ctx context.Context, prompt string, params models.Params) (*models.GenerationResult, error) {
	params = params.Normalize()
	req := genRequest{
		Prompt:        models.InstructionOrFallback(prompt),
		Seed:          params.Seed,
		GuidanceScale: params.GuidanceScale,
		Steps:         params.Steps,
	}

	var resp genResponse
	if err := c.postJSON(ctx, "generate", "/gen3d", req, &resp, false); err != nil {
		return nil, err
	}
	return c.buildResult(resp)
}

func (c *Client) GenerateBatch(ctx context.Context, prompt string, seeds []int, params models.Params) ([]models.BatchItem, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, models.ErrEmptyPrompt
	}
	if len(seeds) == 0 {
		seeds = DefaultBatchSeeds
	}
	params = params.Normalize()
	req := batchRequest{
		Prompt:        prompt,
		Seeds:         seeds,
		GuidanceScale: params.GuidanceScale,
		Steps:         params.Steps,
	}

	var resp batchResponse
	if err := c.postJSON(ctx, "generate batch", "/gen3d_batch", req, &resp, false); err != nil {
		return nil, err
	}

	items := make([]models.BatchItem, 0, len(resp.Items))
	for i, it := range resp.Items {
		u, err := provider.ResolveURL(c.baseURL, it.URL)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		items = append(items, models.BatchItem{Seed: it.Seed, URL: u})
	}
	return items, nil
}

func (c *Client) ImageTo3D(ctx context.Context, image []byte, params models.Params) (*models.GenerationResult, error) {
	if len(image) == 0 {
		return nil, models.ErrNoImageData
	}
	params = params.Normalize()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	imagePart, err := writer.CreateFormFile("image", "image.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create image part: %w", err)
	}
	if _, err := imagePart.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}

	fields := []struct{ name, value string }{
		{"seed", strconv.Itoa(params.Seed)},
		{"guidance_scale", strconv.FormatFloat(params.GuidanceScale, 'f', -1, 64)},
		{"num_inference_steps", strconv.Itoa(params.Steps)},
	}
	for _, f := range fields {
		if err := writer.WriteField(f.name, f.value); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	c.logDebug("request", zap.String("method", http.MethodPost), zap.String("path", "/image3d"),
		zap.Int("image_bytes", len(image)), zap.Int("seed", params.Seed))

	var resp genResponse
	if err := c.do(ctx, "image to 3d", http.MethodPost, "/image3d", writer.FormDataContentType(), body, &resp, false); err != nil {
		return nil, err
	}
	return c.buildResult(resp)
}

func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.do(ctx, "health", http.MethodGet, "/health", "", nil, &resp, false); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%w: health check reported not ok", provider.ErrInvalidResponse)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any, sessionScoped bool) error {
	jsonData, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	c.logDebug("request", zap.String("method", http.MethodPost), zap.String("path", path), zap.ByteString("body", jsonData))
	return c.do(ctx, op, http.MethodPost, path, "application/json", bytes.NewReader(jsonData), out, sessionScoped)
}

// do sends one request and decodes a 2xx JSON body into out. With
// sessionScoped set, a 404 is reported as provider.ErrSessionNotFound.
func (c *Client) do(ctx context.Context, op, method, path, contentType string, body io.Reader, out any, sessionScoped bool) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: failed to send request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	c.logDebug("response", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.ByteString("body", respBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &provider.APIError{Op: op, StatusCode: resp.StatusCode, Body: errorDetail(respBody)}
		if resp.StatusCode == http.StatusNotFound && (sessionScoped || isSessionNotFoundBody(apiErr.Body)) {
			return fmt.Errorf("%w: %w", provider.ErrSessionNotFound, apiErr)
		}
		return fmt.Errorf("%w: %w", provider.ErrGenerationFailed, apiErr)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %s: %v", provider.ErrInvalidResponse, op, err)
	}
	return nil
}

func (c *Client) buildResult(resp genResponse) (*models.GenerationResult, error) {
	u, err := provider.ResolveURL(c.baseURL, resp.URL)
	if err != nil {
		return nil, err
	}
	return &models.GenerationResult{ID: resp.ID, URL: u}, nil
}

func (c *Client) buildSession(resp sessionResponse) (*models.BackendSession, error) {
	s := &models.BackendSession{
		ID:        resp.ID,
		Title:     resp.Title,
		CreatedAt: fromUnixSeconds(resp.CreatedAt),
		Items:     make([]models.SessionItem, 0, len(resp.Items)),
	}
	for _, it := range resp.Items {
		item := models.SessionItem{
			ID:        it.ID,
			Prompt:    it.Prompt,
			Params:    it.Params,
			CreatedAt: fromUnixSeconds(it.CreatedAt),
		}
		if it.URL != "" {
			u, err := provider.ResolveURL(c.baseURL, it.URL)
			if err != nil {
				return nil, err
			}
			item.URL = u
		}
		s.Items = append(s.Items, item)
	}
	return s, nil
}

func (c *Client) logDebug(msg string, fields ...zap.Field) {
	if !c.verbose {
		return
	}
	c.logger.Debug(msg, fields...)
}

func fromUnixSeconds(sec float64) time.Time {
	if sec <= 0 || math.IsNaN(sec) || math.IsInf(sec, 0) {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

// errorDetail pulls the FastAPI style {"detail": ...} message out of an error
// body, falling back to the raw text.
func errorDetail(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Detail != nil {
		if s, ok := er.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(er.Detail); err == nil {
			return string(b)
		}
	}
	return string(body)
}

func isSessionNotFoundBody(body string) bool {
	return strings.Contains(strings.ToLower(body), "session not found")
}
