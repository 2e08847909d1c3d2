package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/serenvia/voicebridge/config"
	"github.com/serenvia/voicebridge/protocol"
	"github.com/serenvia/voicebridge/tracks"
	"github.com/serenvia/voicebridge/types"
)

// State 是连接状态。
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Room 是一条已建立的房间连接。由 Dialer 返回。
type Room interface {
	// PublishData 在可靠数据通道上发送一条载荷。
	PublishData(payload []byte) error
	// PublishMicrophone 惰性发布静音的本地麦克风轨道。幂等。
	PublishMicrophone() error
	// Disconnect 断开连接。幂等。
	Disconnect()
}

// Dialer 抽象房间拨号，便于测试替换真实 SDK。
type Dialer interface {
	Dial(ctx context.Context, url, token string, h *Handlers) (Room, error)
}

// Handlers 是传输层向上转发事件的出口。未设置的处理器按 no-op 处理。
type Handlers struct {
	OnStateChange             func(State)
	OnData                    func(payload []byte, senderIdentity string, delivery protocol.Delivery)
	OnTrackSubscribed         func(tracks.TrackInfo, tracks.ParticipantInfo)
	OnTrackUnsubscribed       func(trackID, participantIdentity string)
	OnParticipantConnected    func(tracks.ParticipantInfo)
	OnParticipantDisconnected func(identity string)
	OnMetadataChanged         func(tracks.ParticipantInfo)
	OnError                   func(error)
}

func (h *Handlers) stateChange(s State) {
	if h.OnStateChange != nil {
		h.OnStateChange(s)
	}
}

func (h *Handlers) errorSignal(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// =============================================================================
// 🔧 连接管理器
// =============================================================================

// Manager 拥有房间连接的生命周期。每次 Connect 获取新凭证（单次有效）；
// 并发的连接尝试遵循最后请求获胜，陈旧尝试在两个检查点被丢弃。
type Manager struct {
	cfg      config.TransportConfig
	creds    CredentialSource
	dialer   Dialer
	handlers *Handlers

	attempt atomic.Uint64 // 单调请求令牌

	mu    sync.Mutex
	room  Room
	state State

	logger *zap.Logger
}

// NewManager 创建连接管理器。
func NewManager(cfg config.TransportConfig, creds CredentialSource, dialer Dialer, handlers *Handlers, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handlers == nil {
		handlers = &Handlers{}
	}
	return &Manager{
		cfg:      cfg,
		creds:    creds,
		dialer:   dialer,
		handlers: handlers,
		state:    StateDisconnected,
		logger:   logger.With(zap.String("component", "transport.manager")),
	}
}

// State 返回当前连接状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect 发起一次连接尝试。身份或会话上下文变化时直接再次调用：
// 新尝试使旧尝试作废，旧尝试的凭证与连接结果会被丢弃（ErrStaleAttempt）。
func (m *Manager) Connect(ctx context.Context, req CredentialRequest) error {
	token := m.attempt.Add(1)
	m.setState(StateConnecting)

	if req.Room == "" {
		req.Room = m.cfg.RoomName
	}

	credential, err := m.creds.Fetch(ctx, req)
	if err != nil {
		m.setState(StateDisconnected)
		return types.WrapError(types.ErrKindTransport, types.ErrCredentialFetch, "credential fetch failed", err)
	}

	// 检查点一：凭证返回时已有更新的尝试
	if m.attempt.Load() != token {
		m.logger.Info("discarding superseded connect attempt",
			zap.Uint64("attempt", token))
		return types.NewTransportError(types.ErrStaleAttempt, "connect attempt superseded").
			WithRetryable(false)
	}

	dialCtx := ctx
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	room, err := m.dialer.Dial(dialCtx, m.cfg.URL, credential, m.handlers)
	if err != nil {
		m.setState(StateDisconnected)
		return types.WrapError(types.ErrKindTransport, types.ErrConnectFailed, "room dial failed", err)
	}

	// 检查点二：拨号完成时已有更新的尝试
	if m.attempt.Load() != token {
		room.Disconnect()
		m.logger.Info("discarding superseded room connection",
			zap.Uint64("attempt", token))
		return types.NewTransportError(types.ErrStaleAttempt, "connect attempt superseded").
			WithRetryable(false)
	}

	m.mu.Lock()
	if m.room != nil {
		m.room.Disconnect()
	}
	m.room = room
	m.mu.Unlock()
	m.setState(StateConnected)

	// 惰性发布静音麦克风：失败上报信号，不中断连接
	if err := room.PublishMicrophone(); err != nil {
		perr := types.WrapError(types.ErrKindTransport, types.ErrPublishFailed, "microphone publish failed", err)
		m.logger.Error("microphone publish failed", zap.Error(perr))
		m.handlers.errorSignal(perr)
	}

	return nil
}

// Disconnect 断开当前连接。幂等。
func (m *Manager) Disconnect() {
	m.attempt.Add(1) // 作废仍在途的尝试
	m.mu.Lock()
	room := m.room
	m.room = nil
	m.mu.Unlock()

	if room != nil {
		room.Disconnect()
	}
	m.setState(StateDisconnected)
}

// PublishData 通过可靠数据通道发送载荷。未连接时返回 transport 错误。
func (m *Manager) PublishData(payload []byte) error {
	m.mu.Lock()
	room := m.room
	m.mu.Unlock()

	if room == nil {
		return types.NewTransportError(types.ErrConnectFailed, "not connected").WithRetryable(false)
	}
	if err := room.PublishData(payload); err != nil {
		return types.WrapError(types.ErrKindTransport, types.ErrConnectFailed, "data publish failed", err)
	}
	return nil
}

// setState 更新状态并通知。Reconnecting/Disconnected 也由 SDK 回调经
// Handlers 间接走到这里。
func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.logger.Info("connection state changed", zap.Stringer("state", s))
	m.handlers.stateChange(s)
}

// NoteReconnecting / NoteReconnected / NoteDisconnected 由 SDK 回调适配层
// 调用，驱动瞬态状态。
func (m *Manager) NoteReconnecting() { m.setState(StateReconnecting) }
func (m *Manager) NoteReconnected()  { m.setState(StateConnected) }
func (m *Manager) NoteDisconnected() {
	m.mu.Lock()
	m.room = nil
	m.mu.Unlock()
	m.setState(StateDisconnected)
}
