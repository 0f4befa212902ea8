package queue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// RabbitHTTPPublisher публикует события через HTTP Management API RabbitMQ.
// Подходит для окружений, где AMQP-порт закрыт.
type RabbitHTTPPublisher struct {
	client   *http.Client
	baseURL  *url.URL
	vhost    string
	exchange string
	username string
	password string
}

// NewRabbitHTTPPublisher создаёт паблишер по AMQP URL и адресу Management API.
func NewRabbitHTTPPublisher(amqpURL, managementURL, exchange string) (*RabbitHTTPPublisher, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	parsed, err := url.Parse(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("parse amqp url: %w", err)
	}
	if exchange == "" {
		exchange = "amq.default"
	}
	username := parsed.User.Username()
	password, _ := parsed.User.Password()
	vhost := strings.TrimPrefix(parsed.Path, "/")
	if vhost == "" {
		vhost = "/"
	}
	base := strings.TrimSpace(managementURL)
	if base == "" {
		scheme := "http"
		if parsed.Scheme == "amqps" {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s:%s", scheme, parsed.Hostname(), "15672")
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse management url: %w", err)
	}
	baseURL.Path = strings.TrimRight(baseURL.Path, "/")
	return &RabbitHTTPPublisher{
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  baseURL,
		vhost:    vhost,
		exchange: exchange,
		username: username,
		password: password,
	}, nil
}

// Publish отправляет событие с routing key, равным типу события.
func (q *RabbitHTTPPublisher) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	reqBody := map[string]any{
		"properties": map[string]any{
			"message_id":    event.ID,
			"content_type":  "application/json",
			"delivery_mode": 2,
		},
		"routing_key":      string(event.Type),
		"payload":          base64.StdEncoding.EncodeToString(payload),
		"payload_encoding": "base64",
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	endpoint := q.publishURL()
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.username != "" {
		req.SetBasicAuth(q.username, q.password)
	}
	resp, err := q.client.Do(req)
	metrics.ObserveNetworkRequest("rabbitmq", "publish_http", q.exchange, start, err)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("publish failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var routed struct {
		Routed bool `json:"routed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&routed); err == nil && !routed.Routed {
		return fmt.Errorf("event %s was not routed", event.Type)
	}
	return nil
}

// publishURL собирает адрес публикации; vhost "/" должен остаться закодированным как %2F.
func (q *RabbitHTTPPublisher) publishURL() *url.URL {
	endpoint := *q.baseURL
	endpoint.Path = q.baseURL.Path + "/api/exchanges/" + q.vhost + "/" + q.exchange + "/publish"
	endpoint.RawPath = q.baseURL.EscapedPath() + "/api/exchanges/" + url.PathEscape(q.vhost) + "/" + url.PathEscape(q.exchange) + "/publish"
	return &endpoint
}
