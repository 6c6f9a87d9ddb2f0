package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/bodyscan-backend/pkg/config"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
	"github.com/tidwall/gjson"
)

const (
	defaultAnalyzePath          = "/analyze-body"
	responseBodyReadLimit int64 = 8 << 20
	errorBodyReadLimit    int64 = 2048
	stoppedAppSignal            = "app for invoked web endpoint is stopped"
)

var errEndpointRequired = errors.New("inference endpoint is required")

// Payload is the request body sent to the measurement endpoint.
type Payload struct {
	Mode              string   `json:"mode"`
	MeasurementModel  string   `json:"measurement_model"`
	FrontImageURL     string   `json:"front_image_url"`
	SideImageURL      *string  `json:"side_image_url"`
	GLBUploadURL      string   `json:"glb_upload_url"`
	HeightCm          *float64 `json:"height_cm"`
	WeightKg          *float64 `json:"weight_kg"`
	Gender            *string  `json:"gender"`
	JobID             string   `json:"job_id"`
	QualityMode       *string  `json:"quality_mode"`
	NormalizeWithAnny bool     `json:"normalize_with_anny"`
	OutputPose        string   `json:"output_pose"`
}

// Result is a parsed, non-empty JSON response.
type Result struct {
	Raw     json.RawMessage
	Success bool
	Error   string
	Detail  string
}

// Client calls the hosted measurement endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	path       string
	logg       *logger.Logger
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger attaches a logger for upstream warnings.
func WithLogger(logg *logger.Logger) Option {
	return func(c *Client) {
		c.logg = logg
	}
}

// NewClient builds the client from config. The read timeout bounds the whole call,
// redirects included.
func NewClient(cfg config.InferenceConfig, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if base == "" {
		return nil, errEndpointRequired
	}
	path := strings.TrimSpace(cfg.AnalyzePath)
	if path == "" {
		path = defaultAnalyzePath
	}

	connectTimeout := max(cfg.ConnectTimeout, time.Second)
	readTimeout := max(cfg.ReadTimeout, time.Second)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext

	client := &Client{
		httpClient: &http.Client{Transport: transport, Timeout: readTimeout},
		baseURL:    base,
		path:       "/" + strings.TrimLeft(path, "/"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Analyze posts the payload. A 303 is followed with GET by net/http. Every
// failure is returned as *Error carrying a stable code.
func (c *Client) Analyze(ctx context.Context, payload Payload) (*Result, error) {
	if c == nil {
		return nil, newError(CodeCallException, "inference client not configured", 0, nil)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(CodeCallException, "marshal inference payload", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return nil, newError(CodeCallException, "build inference request", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, newError(CodeTimeout, "inference call timed out", 0, err)
		}
		return nil, newError(CodeCallException, "inference call error: "+rootCause(err), 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		c.warn(ctx, "inference redirect without location", resp.StatusCode)
		return nil, newError(CodeRedirectNoLocation, "inference redirect response carried no Location header", resp.StatusCode, nil)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))
		c.warn(ctx, "inference call failed", resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound && strings.Contains(strings.ToLower(string(msg)), stoppedAppSignal) {
			return nil, newError(CodeEndpointStopped, "inference endpoint is stopped; redeploy and retry", resp.StatusCode, nil)
		}
		return nil, newError(CodeCallFailed, fmt.Sprintf("inference call failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), resp.StatusCode, nil)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, newError(CodeTimeout, "inference response timed out", resp.StatusCode, err)
		}
		return nil, newError(CodeCallException, "read inference response: "+rootCause(err), resp.StatusCode, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, newError(CodeEmptyResponse, fmt.Sprintf("inference response body is empty: status %d", resp.StatusCode), resp.StatusCode, nil)
	}
	if !gjson.ValidBytes(raw) {
		return nil, newError(CodeCallException, "inference response is not valid json", resp.StatusCode, nil)
	}

	parsed := gjson.ParseBytes(raw)
	return &Result{
		Raw:     json.RawMessage(raw),
		Success: parsed.Get("success").Bool(),
		Error:   strings.TrimSpace(parsed.Get("error").String()),
		Detail:  strings.TrimSpace(parsed.Get("detail").String()),
	}, nil
}

func (c *Client) warn(ctx context.Context, msg string, status int) {
	if c.logg == nil {
		return
	}
	c.logg.Warn(c.logg.WithFields(ctx, map[string]any{"status": status, "path": c.path}), msg)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func rootCause(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
