package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/serenvia/voicebridge/protocol"
)

// Loopback 用 WebSocket 模拟数据通道，供开发与测试使用：同样的 JSON
// 载荷进出口，没有媒体面。写操作通过 mutex 保护，WebSocket 不支持并发写。
type Loopback struct {
	conn   *websocket.Conn
	sender string // 入站载荷挂名的发送者身份
	onData func(payload []byte, senderIdentity string, delivery protocol.Delivery)
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

// DialLoopback 连接 WebSocket 端点并开始读循环。入站消息以 sender 身份、
// 可靠投递转发给 onData。
func DialLoopback(ctx context.Context, url, sender string, onData func([]byte, string, protocol.Delivery), logger *zap.Logger) (*Loopback, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("loopback dial: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	l := &Loopback{
		conn:   conn,
		sender: sender,
		onData: onData,
		logger: logger.With(zap.String("component", "transport.loopback")),
		cancel: cancel,
	}
	go l.readLoop(readCtx)
	return l, nil
}

func (l *Loopback) readLoop(ctx context.Context) {
	for {
		_, data, err := l.conn.Read(ctx)
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				l.logger.Warn("loopback read ended", zap.Error(err))
			}
			return
		}
		if l.onData != nil {
			l.onData(data, l.sender, protocol.DeliveryReliable)
		}
	}
}

// Send 发送一条载荷。
func (l *Loopback) Send(ctx context.Context, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("loopback closed")
	}
	if err := l.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("loopback write: %w", err)
	}
	return nil
}

// Close 关闭连接与读循环。幂等。
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()
	return l.conn.Close(websocket.StatusNormalClosure, "closing")
}

// IsAlive 检查连接是否存活。
func (l *Loopback) IsAlive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}
