// Package dispatchtarget implements core.DispatchTarget over a JSON HTTP API
// authenticated with OAuth2 client credentials.
package dispatchtarget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/target/outbound-dispatch/config"
	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

// Options configures the dispatch target client.
type Options struct {
	Config config.DispatchTargetConfig
	// HTTPClient is the base transport. It is wrapped with the token source when auth is enabled.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client places outbound calls through the provider API.
type Client struct {
	endpoint string
	http     *http.Client
	maxBytes int64
	fields   fieldMapping
	logger   *slog.Logger
}

var _ core.DispatchTarget = (*Client)(nil)

// fieldMapping holds validated JMESPath expressions; an empty expression skips the field.
type fieldMapping struct {
	sid, status, duration, price, direction string
	startTime, endTime, dateCreated         string
}

// New builds a Client, compiling the response mapping expressions up front.
func New(opts Options) (*Client, error) {
	cfg := opts.Config
	cfg.Sanitize()
	if cfg.BaseURL == "" {
		return nil, errors.New("dispatch target base url is required")
	}

	fields, err := compileFields(cfg)
	if err != nil {
		return nil, err
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}
	httpClient := base
	if cfg.AuthEnabled() {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = cc.Client(tokenCtx)
		httpClient.Timeout = base.Timeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		endpoint: cfg.BaseURL + cfg.Path,
		http:     httpClient,
		maxBytes: cfg.MaxResponseBytes,
		fields:   fields,
		logger:   logger.With("component", "dispatch_target"),
	}, nil
}

// MustNew is like New but panics on error.
func MustNew(opts Options) *Client {
	c, err := New(opts)
	if err != nil {
		panic(err)
	}
	return c
}

func compileFields(cfg config.DispatchTargetConfig) (fieldMapping, error) {
	var (
		m        fieldMapping
		firstErr error
	)
	compile := func(name, expr string) string {
		expr = strings.TrimSpace(expr)
		if firstErr != nil || expr == "" {
			return ""
		}
		if _, err := jmespath.Compile(expr); err != nil {
			firstErr = fmt.Errorf("compile %s expression %q: %w", name, expr, err)
			return ""
		}
		return expr
	}
	m.sid = compile("sid", cfg.SIDExpr)
	m.status = compile("status", cfg.StatusExpr)
	m.duration = compile("duration", cfg.DurationExpr)
	m.price = compile("price", cfg.PriceExpr)
	m.direction = compile("direction", cfg.DirectionExpr)
	m.startTime = compile("start_time", cfg.StartTimeExpr)
	m.endTime = compile("end_time", cfg.EndTimeExpr)
	m.dateCreated = compile("date_created", cfg.DateCreatedExpr)
	if firstErr != nil {
		return fieldMapping{}, firstErr
	}
	if m.sid == "" {
		return fieldMapping{}, errors.New("dispatch target sid expression is required")
	}
	return m, nil
}

// Dispatch implements core.DispatchTarget.
func (c *Client) Dispatch(ctx context.Context, req model.DispatchRequest) (*model.CallDescriptor, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.DispatchTarget(err, false, "encode dispatch request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.DispatchTarget(err, false, "build dispatch request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.DispatchTarget(ctx.Err(), true, "dispatch request canceled")
		}
		return nil, apperrors.DispatchTarget(err, true, "dispatch request failed")
	}

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if closeErr := resp.Body.Close(); closeErr != nil && readErr == nil {
		readErr = closeErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, raw)
	}
	if readErr != nil {
		return nil, apperrors.DispatchTarget(readErr, true, "read dispatch response")
	}

	desc, err := c.decode(raw)
	if err != nil {
		return nil, err
	}
	c.logger.DebugContext(ctx, "call placed", "job_id", req.JobID, "sid", desc.SID, "status", desc.Status)
	return desc, nil
}

func statusError(code int, body []byte) error {
	retryable := code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	cause := fmt.Errorf("unexpected status %d: %s", code, snippet)
	return apperrors.DispatchTarget(cause, retryable, "dispatch target rejected call")
}

func (c *Client) decode(raw []byte) (*model.CallDescriptor, error) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, apperrors.DispatchTarget(err, false, "decode dispatch response")
	}

	desc := &model.CallDescriptor{
		SID:       searchString(c.fields.sid, data),
		Status:    searchString(c.fields.status, data),
		Duration:  searchString(c.fields.duration, data),
		Price:     searchString(c.fields.price, data),
		Direction: searchString(c.fields.direction, data),
	}
	desc.StartTime = searchTime(c.fields.startTime, data)
	desc.EndTime = searchTime(c.fields.endTime, data)
	desc.DateCreated = searchTime(c.fields.dateCreated, data)

	if desc.SID == "" {
		return nil, apperrors.DispatchTarget(nil, false, "dispatch response has no call sid")
	}
	return desc, nil
}

func searchString(expr string, data any) string {
	if expr == "" {
		return ""
	}
	v, err := jmespath.Search(expr, data)
	if err != nil || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, time.RFC1123Z, time.RFC1123}

func searchTime(expr string, data any) *time.Time {
	s := searchString(expr, data)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
