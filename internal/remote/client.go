package remote

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
	"strconv"
	"strings"
	"time"

	"readlater_sync/internal/domain"
)

const userAgent = "ReadLaterSync/1.0"

// Config holds remote API configuration.
type Config struct {
	BaseURL        string
	Token          string
	PageSize       int
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client talks to the read-later server's JSON API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	token          string
	pageSize       int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		token:          cfg.Token,
		pageSize:       cfg.PageSize,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger.With("component", "remote"),
	}
}

type call struct {
	method string
	path   string
	query  url.Values
	body   any
}

// ListChangedSince returns every record the server changed after since,
// following pagination to the last page. A zero since lists everything.
func (c *Client) ListChangedSince(ctx context.Context, since time.Time) ([]domain.Article, error) {
	var all []domain.Article

	for page := 0; ; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("page_size", strconv.Itoa(c.pageSize))
		if !since.IsZero() {
			query.Set("updated_since", since.UTC().Format(time.RFC3339Nano))
		}

		var resp listResponse
		if err := c.do(ctx, call{method: http.MethodGet, path: "/articles", query: query}, &resp); err != nil {
			return nil, fmt.Errorf("list page %d: %w", page, err)
		}

		for _, a := range resp.Content {
			a.IsModified = false
			a.Tags = domain.NormalizeTags(a.Tags)
			all = append(all, a)
		}

		c.logger.Debug("fetched page",
			"page", page,
			"articles", len(resp.Content),
			"total", len(all),
		)

		if page >= resp.PageInfo.NumPages-1 {
			break
		}
	}

	return all, nil
}

func (c *Client) CreateRemote(ctx context.Context, article *domain.Article) (*domain.Article, error) {
	var created domain.Article
	err := c.do(ctx, call{method: http.MethodPost, path: "/articles", body: newCreateRequest(article)}, &created)
	if err != nil {
		return nil, fmt.Errorf("create remote article: %w", err)
	}
	created.Tags = domain.NormalizeTags(created.Tags)
	return &created, nil
}

func (c *Client) UpdateRemote(ctx context.Context, id string, fields domain.MutableFields) (*domain.Article, error) {
	fields.Tags = domain.NormalizeTags(fields.Tags)

	var updated domain.Article
	err := c.do(ctx, call{method: http.MethodPatch, path: articlePath(id), body: fields}, &updated)
	if err != nil {
		return nil, fmt.Errorf("update remote article %s: %w", id, err)
	}
	updated.Tags = domain.NormalizeTags(updated.Tags)
	return &updated, nil
}

func (c *Client) DeleteRemote(ctx context.Context, id string) error {
	if err := c.do(ctx, call{method: http.MethodDelete, path: articlePath(id)}, nil); err != nil {
		return fmt.Errorf("delete remote article %s: %w", id, err)
	}
	return nil
}

func (c *Client) FetchFullContent(ctx context.Context, id string) (string, error) {
	var resp contentResponse
	if err := c.do(ctx, call{method: http.MethodGet, path: articlePath(id) + "/content"}, &resp); err != nil {
		return "", fmt.Errorf("fetch content %s: %w", id, err)
	}
	return resp.Content, nil
}

// Ping checks reachability once, without retries.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.send(ctx, call{method: http.MethodGet, path: "/health"}, nil); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrUnreachable, err)
	}
	return nil
}

func articlePath(id string) string {
	return "/articles/" + url.PathEscape(id)
}

// do runs a call, retrying with exponential backoff while the failure is retryable.
func (c *Client) do(ctx context.Context, cl call, out any) error {
	var err error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err = c.send(ctx, cl, out)
		if err == nil {
			return nil
		}

		if !domain.IsRetryable(err) || attempt == c.maxAttempts {
			break
		}

		backoff := c.calculateBackoff(attempt)
		c.logger.Warn("request failed, retrying",
			"method", cl.method,
			"path", cl.path,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return err
}

func (c *Client) send(ctx context.Context, cl call, out any) error {
	endpoint := c.baseURL + cl.path
	if len(cl.query) > 0 {
		endpoint += "?" + cl.query.Encode()
	}

	var body io.Reader
	if cl.body != nil {
		payload, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &domain.RemoteError{Retryable: true, Err: fmt.Errorf("execute request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.RemoteError{StatusCode: resp.StatusCode, Retryable: false, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		return &domain.RemoteError{StatusCode: resp.StatusCode, Err: domain.ErrRemoteNotFound}
	}

	msg := http.StatusText(resp.StatusCode)
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr errorResponse
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}

	return &domain.RemoteError{
		StatusCode: resp.StatusCode,
		Retryable:  retryableStatus(resp.StatusCode),
		Err:        errors.New(msg),
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= 500
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	return backoff
}
