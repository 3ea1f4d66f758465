// Package qdrant implements the vector backend over the Qdrant REST API.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/internal/metrics"
	"github.com/knowledge-assistant/backend/internal/vector"
	"github.com/knowledge-assistant/backend/pkg/circuitbreaker"
	"github.com/knowledge-assistant/backend/pkg/logger"
	"github.com/knowledge-assistant/backend/pkg/retry"
)

type Config struct {
	URL       string
	APIKey    string
	Timeout   time.Duration
	BatchSize int
}

type Client struct {
	baseURL     string
	apiKey      string
	batchSize   int
	http        *http.Client
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type statusError struct {
	method string
	path   string
	code   int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed: %d %s", e.method, e.path, e.code, e.body)
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 128
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		apiKey:    cfg.APIKey,
		batchSize: batch,
		http:      &http.Client{Timeout: timeout},
	}

	c.cb = circuitbreaker.NewCircuitBreaker("qdrant", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        isTransient,
		OnStateChange:    metrics.ObserveBreaker,
		Logger:           logger.GetLogger(),
	})

	c.retryConfig = retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		ShouldRetry:    isTransient,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Qdrant client initialized", zap.String("url", c.baseURL))
	return c
}

// isTransient treats 4xx responses as caller errors that neither trip the
// breaker nor get retried.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func (c *Client) collectionPath(name string, parts ...string) string {
	return "/collections/" + url.PathEscape(name) + strings.Join(parts, "")
}

func (c *Client) CollectionDimension(ctx context.Context, name string) (int, bool, error) {
	var resp struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}

	err := c.do(ctx, http.MethodGet, c.collectionPath(name), nil, &resp)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return resp.Result.Config.Params.Vectors.Size, true, nil
}

func (c *Client) CreateCollection(ctx context.Context, name string, dim int) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": "Cosine",
		},
	}

	err := c.do(ctx, http.MethodPut, c.collectionPath(name), body, nil)
	var se *statusError
	if errors.As(err, &se) && (se.code == http.StatusConflict || strings.Contains(se.body, "already exists")) {
		return nil
	}
	return err
}

type point struct {
	ID      string      `json:"id"`
	Vector  []float32   `json:"vector"`
	Payload payloadWire `json:"payload"`
}

type payloadWire struct {
	Text       string `json:"text"`
	Source     string `json:"source"`
	UserID     string `json:"user_id"`
	UploadDate int64  `json:"upload_date"`
}

func (c *Client) Upsert(ctx context.Context, name string, points []vector.Point) error {
	for start := 0; start < len(points); start += c.batchSize {
		end := start + c.batchSize
		if end > len(points) {
			end = len(points)
		}

		batch := make([]point, 0, end-start)
		for _, p := range points[start:end] {
			batch = append(batch, point{
				ID:     p.ID,
				Vector: p.Vector,
				Payload: payloadWire{
					Text:       p.Payload.Text,
					Source:     p.Payload.Source,
					UserID:     p.Payload.UserID,
					UploadDate: p.Payload.UploadDate.Unix(),
				},
			})
		}

		err := c.do(ctx, http.MethodPut, c.collectionPath(name, "/points?wait=true"), map[string]any{"points": batch}, nil)
		if err != nil {
			return fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
	}

	logger.Debug("Points upserted to qdrant", zap.String("collection", name), zap.Int("count", len(points)))
	return nil
}

func (c *Client) Search(ctx context.Context, name string, query []float32, limit int) ([]vector.Hit, error) {
	req := map[string]any{
		"vector":       query,
		"limit":        limit,
		"with_payload": true,
	}

	var resp struct {
		Result []struct {
			ID      any         `json:"id"`
			Score   float32     `json:"score"`
			Payload payloadWire `json:"payload"`
		} `json:"result"`
	}

	err := c.do(ctx, http.MethodPost, c.collectionPath(name, "/points/search"), req, &resp)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return nil, fmt.Errorf("search %s: %w", name, vector.ErrCollectionNotFound)
	}
	if err != nil {
		return nil, err
	}

	hits := make([]vector.Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, vector.Hit{
			ID:    fmt.Sprint(r.ID),
			Score: r.Score,
			Payload: vector.Payload{
				Text:       r.Payload.Text,
				Source:     r.Payload.Source,
				UserID:     r.Payload.UserID,
				UploadDate: time.Unix(r.Payload.UploadDate, 0).UTC(),
			},
		})
	}
	return hits, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/collections", nil, nil)
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			return c.roundTrip(ctx, method, path, data, out)
		})
	})
}

func (c *Client) roundTrip(ctx context.Context, method, path string, data []byte, out any) error {
	var reader io.Reader
	if data != nil {
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{method: method, path: path, code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode qdrant response: %w", err))
		}
	}
	return nil
}
