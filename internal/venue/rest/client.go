package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/logger"
	"tradegate/internal/venue"

	"github.com/tidwall/gjson"
)

// Client 对接通用 REST 交易场所：POST /orders、DELETE /orders/{id}、GET /orders/{id}。
// 执行回报通过 webhook 推送，由 HandleWebhook 解码后分发给订阅者。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string

	mu   sync.RWMutex
	subs []func(venue.Report)
}

func NewClient(cfg config.VenueConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("venue.base_url 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 venue.base_url 失败: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout, Transport: http.DefaultTransport.(*http.Transport).Clone()},
		apiKey:     strings.TrimSpace(cfg.APIKey),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func (c *Client) Name() string { return "rest" }

func (c *Client) Subscribe(fn func(venue.Report)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

func (c *Client) Submit(ctx context.Context, req venue.Request) (venue.Ack, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/orders", req)
	if err != nil {
		return venue.Ack{}, err
	}
	res := gjson.ParseBytes(body)
	ack := venue.Ack{
		ClientOrderID: firstString(res, "client_order_id", "clientOrderId"),
		VenueOrderID:  firstString(res, "venue_order_id", "order_id", "id"),
		AcceptedAt:    parseTime(res.Get("accepted_at").String()),
	}
	if ack.ClientOrderID == "" {
		ack.ClientOrderID = req.ClientOrderID
	}
	if ack.ClientOrderID != req.ClientOrderID {
		return venue.Ack{}, fmt.Errorf("venue ack for %s carries client id %s", req.ClientOrderID, ack.ClientOrderID)
	}
	if status := strings.ToLower(res.Get("status").String()); status == string(venue.ReportRejected) {
		return venue.Ack{}, venue.Reject(firstString(res, "reason", "error"))
	}
	if ack.AcceptedAt.IsZero() {
		ack.AcceptedAt = time.Now()
	}
	return ack, nil
}

func (c *Client) Cancel(ctx context.Context, clientOrderID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/orders/"+url.PathEscape(clientOrderID), nil)
	return err
}

func (c *Client) Query(ctx context.Context, clientOrderID string) (venue.Report, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/orders/"+url.PathEscape(clientOrderID), nil)
	if err != nil {
		return venue.Report{}, err
	}
	rep, err := reportFromResult(gjson.ParseBytes(body))
	if err != nil {
		return venue.Report{}, fmt.Errorf("解析订单状态失败: %w", err)
	}
	if rep.ClientOrderID == "" {
		rep.ClientOrderID = clientOrderID
	}
	return rep, nil
}

// HandleWebhook 校验并解码执行回报，然后分发给所有订阅者。
func (c *Client) HandleWebhook(raw []byte) (venue.Report, error) {
	rep, err := DecodeReport(raw)
	if err != nil {
		return venue.Report{}, err
	}
	c.Deliver(rep)
	return rep, nil
}

// Deliver 把回报分发给订阅者。
func (c *Client) Deliver(rep venue.Report) {
	c.mu.RLock()
	subs := append([]func(venue.Report){}, c.subs...)
	c.mu.RUnlock()
	logger.Debugf("venue report %s %s cum=%d", rep.ClientOrderID, rep.Kind, rep.CumQty)
	for _, fn := range subs {
		fn(rep)
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("venue client 未初始化")
	}
	endpoint := c.baseURL.JoinPath(path)

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用 venue 失败: %v: %w", err, venue.ErrUnavailable)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("读取 venue 响应失败: %v: %w", err, venue.ErrUnavailable)
	}
	return data, classify(resp.StatusCode, resp.Status, data)
}

// classify 把 HTTP 状态映射为路由器能识别的错误类别。
func classify(code int, status string, body []byte) error {
	switch {
	case code < 300:
		if len(body) > 0 && !gjson.ValidBytes(body) {
			return fmt.Errorf("venue 返回非 JSON 响应: %w", venue.ErrUnavailable)
		}
		return nil
	case code == http.StatusNotFound:
		return venue.ErrOrderNotFound
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("venue 返回错误(%s): %w", status, venue.ErrUnavailable)
	default:
		reason := strings.TrimSpace(string(body))
		if gjson.ValidBytes(body) {
			if r := firstString(gjson.ParseBytes(body), "reason", "error", "message"); r != "" {
				reason = r
			}
		}
		if reason == "" {
			reason = status
		}
		return venue.Reject(reason)
	}
}

func firstString(res gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := strings.TrimSpace(res.Get(p).String()); v != "" {
			return v
		}
	}
	return ""
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return time.Time{}
}
