package tesla

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client Tesla Fleet API 客户端
// 访问令牌由调用方在每次请求时传入，客户端不持有令牌
type Client struct {
	httpClient *http.Client
	apiHost    string
	logger     *zap.Logger
}

// NewClient 创建新的 Tesla API 客户端
func NewClient(apiHost string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		apiHost: strings.TrimRight(apiHost, "/"),
		logger:  logger,
	}
}

// doRequest 执行带认证的请求
func (c *Client) doRequest(ctx context.Context, method, path, accessToken string) (*http.Response, error) {
	if accessToken == "" {
		return nil, ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiHost+path, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Teslink/1.0")

	return c.httpClient.Do(req)
}

// ListVehicles 获取账户下的车辆列表
// 响应中 response 为 null 或缺失时返回空列表
func (c *Client) ListVehicles(ctx context.Context, accessToken string) ([]Vehicle, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/1/vehicles", accessToken)
	if err != nil {
		return nil, fmt.Errorf("list vehicles request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// 正常
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case http.StatusRequestTimeout, http.StatusServiceUnavailable:
		return nil, ErrVehicleUnavailable
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("list vehicles failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var listResp vehicleListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if listResp.Response == nil {
		return []Vehicle{}, nil
	}

	c.logger.Debug("Listed vehicles", zap.Int("count", len(listResp.Response)))
	return listResp.Response, nil
}

// 错误定义
var (
	ErrVehicleUnavailable = fmt.Errorf("vehicle unavailable")
	ErrUnauthorized       = fmt.Errorf("unauthorized")
	ErrRateLimited        = fmt.Errorf("rate limited")
)
