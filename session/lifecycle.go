package session

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/serenvia/voicebridge/conversation"
	"github.com/serenvia/voicebridge/internal/metrics"
	"github.com/serenvia/voicebridge/types"
)

// Hooks 是结束收尾的协作方。每一步都可缺省、都可失败，互不阻塞。
type Hooks struct {
	// StopCapture 释放本地采集流（交互控制器所有）。
	StopCapture func() error
	// DisconnectTransport 断开房间连接。
	DisconnectTransport func()
	// Notify 向用户展示一条通知。
	Notify func(message string)
	// Feedback 触发会话后反馈步骤。设置时优先于 Redirect。
	Feedback func(reason string)
	// Redirect 直接跳转兜底，仅在无反馈步骤且要求跳转时使用。
	Redirect func()
}

// Manager 管理会话生命周期。
type Manager struct {
	machine *conversation.Machine
	backend Backend
	hooks   Hooks

	mu    sync.Mutex
	ended bool

	tracer  trace.Tracer
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewManager 创建会话生命周期管理器，并把自己挂到状态机的关闭回调上
// （代理发出关闭信号时走同一条收尾路径）。
func NewManager(machine *conversation.Machine, backend Backend, hooks Hooks, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		machine: machine,
		backend: backend,
		hooks:   hooks,
		tracer:  otel.Tracer("voicebridge/session"),
		metrics: collector,
		logger:  logger.With(zap.String("component", "session.manager")),
	}
	machine.SetCloseHook(func(reason string, shouldRedirect bool) {
		m.EndSession(context.Background(), true, reason, shouldRedirect)
	})
	return m
}

// StartConversation 开始会话。未认证、未就绪或已活跃时拒绝。
// 后端失败时状态停留在 ReadyNotStarted，不留悬空会话 ID。
func (m *Manager) StartConversation(ctx context.Context, profile *types.UserProfile) error {
	ctx, span := m.tracer.Start(ctx, "session.start")
	defer span.End()

	if profile == nil || profile.ID == "" {
		err := types.NewBackendError(types.ErrSessionCreate, "not authenticated")
		span.RecordError(err)
		return err
	}

	snap := m.machine.Snapshot()
	if snap.Phase != conversation.PhaseReadyNotStarted || !snap.IsReadyToStart {
		err := types.NewBackendError(types.ErrSessionCreate, "conversation not ready to start")
		span.RecordError(err)
		return err
	}

	sessionID, err := m.backend.CreateSession(ctx, profile.ID)
	if err != nil {
		m.logger.Error("session create failed", zap.Error(err))
		span.RecordError(err)
		return types.WrapError(types.ErrKindBackend, types.ErrSessionCreate, "session create failed", err)
	}
	span.SetAttributes(attribute.String("session.id", sessionID))

	m.machine.SetUserProfile(profile)
	if !m.machine.StartConversation(sessionID) {
		// 并发关闭或重复开始抢先了；后端记录成为孤儿由后端回收
		err := types.NewBackendError(types.ErrSessionCreate, "conversation no longer startable")
		span.RecordError(err)
		return err
	}

	if m.metrics != nil {
		m.metrics.RecordSessionStarted()
	}
	m.logger.Info("conversation started",
		zap.String("session_id", sessionID),
		zap.String("user_id", profile.ID))
	return nil
}

// EndSession 结束会话。幂等；每个收尾步骤独立容错。
func (m *Manager) EndSession(ctx context.Context, notifyUser bool, reason string, shouldRedirect bool) {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		m.logger.Debug("end session already done", zap.String("reason", reason))
		return
	}
	m.ended = true
	m.mu.Unlock()

	_, span := m.tracer.Start(ctx, "session.end",
		trace.WithAttributes(attribute.String("session.end_reason", reason)))
	defer span.End()

	snap := m.machine.Snapshot()
	m.machine.EndConversation(reason) // no-op if the closing signal already moved us

	if m.hooks.StopCapture != nil {
		if err := m.hooks.StopCapture(); err != nil {
			m.logger.Warn("capture release failed, continuing teardown", zap.Error(err))
			span.RecordError(err)
		}
	}

	if m.hooks.DisconnectTransport != nil {
		m.hooks.DisconnectTransport()
	}

	if notifyUser && m.hooks.Notify != nil {
		m.hooks.Notify("La sesión ha terminado. Gracias por conversar.")
	}

	// 反馈步骤优先；只有无反馈步骤且明确要求时才直接跳转
	switch {
	case m.hooks.Feedback != nil:
		m.hooks.Feedback(reason)
	case shouldRedirect && m.hooks.Redirect != nil:
		m.hooks.Redirect()
	}

	if m.metrics != nil {
		duration := snap.SessionDuration()
		m.metrics.RecordSessionEnded(reason, duration)
	}
	m.logger.Info("session ended", zap.String("reason", reason))
}

// Ended 报告是否已执行过收尾。
func (m *Manager) Ended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

// Reset 重置管理器并把状态机带回 Idle，下一次会话的 EndSession 重新生效。
// 与 conversation.Machine.Reset 配套：二者必须一起调用。
func (m *Manager) Reset() {
	m.mu.Lock()
	m.ended = false
	m.mu.Unlock()
	m.machine.Reset()
	m.logger.Info("session manager reset")
}
