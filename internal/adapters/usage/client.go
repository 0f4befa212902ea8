package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// Client отправляет отчёты об использовании во внешний сервис учёта.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

var _ domain.UsageSink = (*Client)(nil)

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет HTTP-клиент.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout задаёт таймаут запросов.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
		c.httpClient.Timeout = timeout
	}
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type usagePayload struct {
	AccountID  int64     `json:"account_id"`
	Operation  string    `json:"operation"`
	Units      int       `json:"units"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New создаёт клиент сервиса учёта.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	client := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Report отправляет одну запись. Лимиты применяет сервис учёта, не ядро.
func (c *Client) Report(ctx context.Context, record domain.UsageRecord) error {
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	payload := usagePayload{
		AccountID:  record.AccountID,
		Operation:  record.Operation,
		Units:      record.Units,
		OccurredAt: record.OccurredAt,
	}
	start := time.Now()
	err := c.post(ctx, "/api/v1/usage", payload, nil)
	metrics.ObserveNetworkRequest("usage", "report", record.Operation, start, err)
	return err
}

func (c *Client) post(ctx context.Context, endpoint string, body any, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	resolved := *c.baseURL
	basePath := strings.TrimSuffix(c.baseURL.Path, "/")
	resolved.Path = path.Clean(basePath + endpoint)
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("usage api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr == nil && len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		if apiErr.Code == "" {
			return fmt.Errorf("usage api error: status=%d message=%s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("usage api error [%s]: %s", apiErr.Code, apiErr.Error)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// LogSink пишет отчёты в лог, когда сервис учёта не настроен.
type LogSink struct {
	log zerolog.Logger
}

var _ domain.UsageSink = (*LogSink)(nil)

// NewLogSink создаёт приёмник в лог.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

// Report записывает отчёт на уровне debug.
func (s *LogSink) Report(_ context.Context, record domain.UsageRecord) error {
	s.log.Debug().
		Int64("account_id", record.AccountID).
		Str("operation", record.Operation).
		Int("units", record.Units).
		Msg("usage: recorded")
	return nil
}

// NewSink возвращает HTTP-клиент, если задан baseURL, иначе запись в лог.
func NewSink(baseURL string, log zerolog.Logger) (domain.UsageSink, error) {
	if strings.TrimSpace(baseURL) == "" {
		return NewLogSink(log), nil
	}
	return New(baseURL)
}
