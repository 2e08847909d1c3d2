package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/serenvia/voicebridge/types"
)

// Backend 抽象会话存储后端。
type Backend interface {
	// CreateSession 创建会话记录，返回其不透明 ID。
	CreateSession(ctx context.Context, userID string) (string, error)
}

// Client 是默认的 HTTP 会话后端客户端。结束不需要网络调用——传输断开
// 对后端就是足够的信号。
type Client struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewClient 创建会话后端客户端。endpoint 是完整 URL。
func NewClient(endpoint string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With(zap.String("component", "session.client")),
	}
}

// CreateSession POST 创建会话，响应体 {id}。
func (c *Client) CreateSession(ctx context.Context, userID string) (string, error) {
	body, err := json.Marshal(map[string]string{"userId": userID})
	if err != nil {
		return "", types.NewBackendError(types.ErrSessionCreate, "encoding create request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", types.NewBackendError(types.ErrSessionCreate, "building create request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", types.NewBackendError(types.ErrSessionCreate, "session endpoint unreachable").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", types.NewBackendError(types.ErrSessionCreate,
			fmt.Sprintf("session endpoint returned %d", resp.StatusCode))
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", types.NewBackendError(types.ErrSessionCreate, "malformed session response").WithCause(err)
	}
	if payload.ID == "" {
		return "", types.NewBackendError(types.ErrSessionCreate, "session response carries no id")
	}
	return payload.ID, nil
}
