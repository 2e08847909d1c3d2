package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/serenvia/voicebridge/internal/metrics"
	"github.com/serenvia/voicebridge/types"
)

// CredentialRequest 是向凭证端点请求访问令牌所需的全部上下文。
type CredentialRequest struct {
	Room          string
	Identity      string
	Participant   string // 显示名
	UserID        string
	Username      string
	ChatSessionID string // 可选：后端会话 ID
	LatestSummary string // 可选：先前对话摘要，作为上下文提示
}

// CredentialSource 抽象凭证获取，便于测试替换。
type CredentialSource interface {
	Fetch(ctx context.Context, req CredentialRequest) (string, error)
}

// CredentialClient 通过 HTTP 从凭证端点获取短时访问令牌。
// 相同 room+identity 的并发请求用 singleflight 合并成一次网络往返。
type CredentialClient struct {
	endpoint string
	client   *http.Client
	group    singleflight.Group
	now      func() time.Time

	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewCredentialClient 创建凭证客户端。endpoint 是完整 URL。
func NewCredentialClient(endpoint string, timeout time.Duration, collector *metrics.Collector, logger *zap.Logger) *CredentialClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CredentialClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "transport.credentials")),
	}
}

// Fetch 获取一张访问令牌。令牌单次有效，调用方不得跨连接尝试复用。
// ctx 取消会中止进行中的请求。
func (c *CredentialClient) Fetch(ctx context.Context, req CredentialRequest) (string, error) {
	key := req.Room + "/" + req.Identity
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetchOnce(ctx, req)
	})

	select {
	case <-ctx.Done():
		return "", types.NewTransportError(types.ErrCredentialFetch, "credential fetch cancelled").
			WithCause(ctx.Err()).WithRetryable(false)
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *CredentialClient) fetchOnce(ctx context.Context, req CredentialRequest) (string, error) {
	q := url.Values{}
	q.Set("room", req.Room)
	q.Set("identity", req.Identity)
	if req.Participant != "" {
		q.Set("participant", req.Participant)
	}
	if req.UserID != "" {
		q.Set("userId", req.UserID)
	}
	if req.Username != "" {
		q.Set("username", req.Username)
	}
	if req.ChatSessionID != "" {
		q.Set("chatSessionId", req.ChatSessionID)
	}
	if req.LatestSummary != "" {
		q.Set("latestSummary", req.LatestSummary)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		c.record("error")
		return "", types.NewTransportError(types.ErrCredentialFetch, "building credential request").WithCause(err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.record("error")
		return "", types.NewTransportError(types.ErrCredentialFetch, "credential endpoint unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.record("error")
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", types.NewTransportError(types.ErrCredentialFetch,
			fmt.Sprintf("credential endpoint returned %d: %s", resp.StatusCode, body))
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.record("error")
		return "", types.NewTransportError(types.ErrCredentialFetch, "malformed credential response").WithCause(err)
	}
	if payload.Token == "" {
		c.record("error")
		return "", types.NewTransportError(types.ErrCredentialFetch, "credential response carries no token")
	}

	if err := c.checkExpiry(payload.Token); err != nil {
		c.record("error")
		return "", err
	}

	c.record("ok")
	return payload.Token, nil
}

// checkExpiry 对令牌做非验证 JWT 解析，拒绝已过期的凭证。签名验证是
// 服务端的事；这里只防止拿着死令牌去拨号。解析不出来的令牌原样放行，
// 由服务端裁决。
func (c *CredentialClient) checkExpiry(token string) error {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		c.logger.Debug("credential is not a parseable JWT, deferring to server", zap.Error(err))
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(c.now()) {
		return types.NewTransportError(types.ErrCredentialExpired, "credential already expired").
			WithRetryable(true)
	}
	return nil
}

func (c *CredentialClient) record(status string) {
	if c.metrics != nil {
		c.metrics.RecordCredentialFetch(status)
	}
}
