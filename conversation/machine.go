package conversation

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serenvia/voicebridge/internal/metrics"
	"github.com/serenvia/voicebridge/types"
)

// =============================================================================
// 🎯 阶段枚举
// =============================================================================

// Phase 是对话生命周期的单一权威阶段。
type Phase int

const (
	// PhaseIdle 初始状态，尚未发起连接。
	PhaseIdle Phase = iota
	// PhaseConnecting 传输层连接中。
	PhaseConnecting
	// PhaseReadyNotStarted 已连接、代理已发现，等待用户点击开始。
	PhaseReadyNotStarted
	// PhaseActiveIdle 会话进行中，无进行中的听 / 想 / 说。
	PhaseActiveIdle
	// PhaseActiveListening 正在采集用户语音。
	PhaseActiveListening
	// PhaseActiveThinking 文字输入已提交，等待代理回复。
	PhaseActiveThinking
	// PhaseActiveProcessing 语音转写已提交，等待代理回复（含思考态）。
	PhaseActiveProcessing
	// PhaseActiveSpeaking 代理语音播放中。
	PhaseActiveSpeaking
	// PhaseClosed 终态。任何后续派发都是 no-op。
	PhaseClosed
)

// String returns the phase name for logs and metrics.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseReadyNotStarted:
		return "ready_not_started"
	case PhaseActiveIdle:
		return "active_idle"
	case PhaseActiveListening:
		return "active_listening"
	case PhaseActiveThinking:
		return "active_thinking"
	case PhaseActiveProcessing:
		return "active_processing"
	case PhaseActiveSpeaking:
		return "active_speaking"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// active 报告该阶段是否属于进行中的会话。
func (p Phase) active() bool {
	switch p {
	case PhaseActiveIdle, PhaseActiveListening, PhaseActiveThinking,
		PhaseActiveProcessing, PhaseActiveSpeaking:
		return true
	}
	return false
}

// =============================================================================
// 📦 状态快照
// =============================================================================

// State 是状态机的不可变快照。Messages 是拷贝，可安全持有。
type State struct {
	Phase              Phase
	CurrentSpeakingID  string
	GreetingMessageID  string
	GreetingStarted    bool
	IsReadyToStart     bool
	IsPushToTalkActive bool
	ActiveSessionID    string
	SessionStartTime   time.Time
	Messages           []types.Message
	UserProfile        *types.UserProfile
	Version            uint64
}

// 布尔视图，仅供观察者派生使用。

// IsListening reports whether user speech is being captured.
func (s State) IsListening() bool { return s.Phase == PhaseActiveListening }

// IsProcessing reports whether a voice transcript awaits an agent reply.
func (s State) IsProcessing() bool { return s.Phase == PhaseActiveProcessing }

// IsThinking reports whether any user input awaits an agent reply.
func (s State) IsThinking() bool {
	return s.Phase == PhaseActiveThinking || s.Phase == PhaseActiveProcessing
}

// IsSpeaking reports whether agent playback is in progress. Playback may run
// before the conversation starts (the greeting), so this derives from the
// speaking message ID rather than the phase.
func (s State) IsSpeaking() bool { return s.CurrentSpeakingID != "" }

// ConversationActive reports whether the session is running.
func (s State) ConversationActive() bool { return s.Phase.active() }

// IsSessionClosed reports whether the terminal state was reached.
func (s State) IsSessionClosed() bool { return s.Phase == PhaseClosed }

// SessionDuration 返回会话已运行时长；未开始过返回零。
func (s State) SessionDuration() time.Duration {
	if s.SessionStartTime.IsZero() {
		return 0
	}
	return time.Since(s.SessionStartTime)
}

// =============================================================================
// 🔧 状态机
// =============================================================================

// CloseHook 在关闭迁移完成后、短暂的尾音延迟过后被调用一次。
// shouldRedirect 为 false 表示交给反馈步骤而不是直接跳转。
type CloseHook func(reason string, shouldRedirect bool)

// Machine 是对话状态机。所有方法并发安全；所有变更串行通过内部互斥锁。
type Machine struct {
	mu    sync.Mutex
	phase Phase

	currentSpeakingID string
	greetingID        string
	greetingStarted   bool
	readyToStart      bool
	pushToTalk        bool
	sessionID         string
	sessionStart      time.Time
	messages          []types.Message
	profile           *types.UserProfile
	version           uint64
	closeInvoked      bool

	dedupWindow time.Duration
	closeGrace  time.Duration
	now         func() time.Time

	closeHook CloseHook
	observers []func(State)

	metrics *metrics.Collector
	logger  *zap.Logger
}

// Option 配置状态机。
type Option func(*Machine)

// WithDedupWindow 设置非问候回复的文本去重时间窗。
func WithDedupWindow(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.dedupWindow = d
		}
	}
}

// WithCloseGrace 设置关闭迁移到 CloseHook 调用之间的尾音延迟。
func WithCloseGrace(d time.Duration) Option {
	return func(m *Machine) {
		if d >= 0 {
			m.closeGrace = d
		}
	}
}

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMetrics 注入指标收集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Machine) { m.metrics = c }
}

// NewMachine 创建状态机，初始阶段 Idle。
func NewMachine(logger *zap.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		phase:       PhaseIdle,
		dedupWindow: time.Second,
		closeGrace:  1500 * time.Millisecond,
		now:         time.Now,
		logger:      logger.With(zap.String("component", "conversation.machine")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetCloseHook 注册关闭回调。必须在派发开始前设置。
func (m *Machine) SetCloseHook(h CloseHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeHook = h
}

// OnChange 注册状态观察者。回调在互斥锁外执行，收到的是快照。
func (m *Machine) OnChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Snapshot 返回当前状态的不可变快照。
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() State {
	msgs := make([]types.Message, len(m.messages))
	copy(msgs, m.messages)
	return State{
		Phase:              m.phase,
		CurrentSpeakingID:  m.currentSpeakingID,
		GreetingMessageID:  m.greetingID,
		GreetingStarted:    m.greetingStarted,
		IsReadyToStart:     m.readyToStart,
		IsPushToTalkActive: m.pushToTalk,
		ActiveSessionID:    m.sessionID,
		SessionStartTime:   m.sessionStart,
		Messages:           msgs,
		UserProfile:        m.profile,
		Version:            m.version,
	}
}

// =============================================================================
// 🔍 事件派发（解码器 → 状态机）
// =============================================================================

// Apply 派发一条规范事件。状态机是全函数：任何事件在任何阶段都有定义好的
// 效果（可能是记录日志的 no-op），绝不向调用方抛出。
func (m *Machine) Apply(ev types.CanonicalEvent) {
	m.mu.Lock()

	if m.phase == PhaseClosed {
		m.logger.Debug("event ignored in closed state")
		m.mu.Unlock()
		return
	}

	switch e := ev.(type) {
	case types.UserTranscript:
		m.applyUserTranscript(e)
	case types.AgentResponse:
		m.applyAgentResponse(e)
	case types.SpeechStarted:
		m.applySpeechStarted(e)
	case types.SpeechEnded:
		m.applySpeechEnded(e)
		if m.phase == PhaseClosed {
			m.finishMutationAndNotify()
			return
		}
	case types.SystemStatus:
		// 系统心跳，无语义
		m.mu.Unlock()
		return
	default:
		m.logger.Warn("unknown canonical event type")
		m.mu.Unlock()
		return
	}

	m.finishMutationAndNotify()
}

func (m *Machine) applyUserTranscript(e types.UserTranscript) {
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return
	}
	// 会话未开始不接收转写：迟到 / 重传的转写不得把状态机带入活跃态
	if !m.phase.active() {
		m.logger.Debug("pre-start transcript ignored", zap.String("text", text))
		return
	}
	// 防止文字提交与语音转写重复：任何已有用户消息文本相同则丢弃
	for _, msg := range m.messages {
		if msg.IsUser && msg.Text == text {
			m.logger.Debug("duplicate user transcript dropped", zap.String("text", text))
			return
		}
	}
	m.messages = append(m.messages, types.NewUserMessage(text, m.now()))
	// 转写结束一次监听：推键标志随监听态一起清除
	m.pushToTalk = false
	m.transition(PhaseActiveProcessing)
}

func (m *Machine) applyAgentResponse(e types.AgentResponse) {
	// 空文本：失败信号，仅清除思考 / 处理态
	if strings.TrimSpace(e.Text) == "" {
		m.clearThinking()
		return
	}

	// 按 ID upsert：同 ID 的流式修订更新原消息
	for i := range m.messages {
		if m.messages[i].ID == e.ID {
			m.messages[i].Text = e.Text
			if e.SuggestedMedia != nil {
				m.messages[i].SuggestedMedia = e.SuggestedMedia
			}
			m.clearThinking()
			return
		}
	}

	if e.IsGreeting {
		// 问候语绝不重复：已记录问候 ID，或任何非用户消息文本相同，均丢弃
		if m.greetingID != "" {
			m.logger.Debug("duplicate greeting dropped", zap.String("id", e.ID))
			m.clearThinking()
			return
		}
		for _, msg := range m.messages {
			if !msg.IsUser && msg.Text == e.Text {
				m.logger.Debug("greeting text already present", zap.String("id", e.ID))
				m.clearThinking()
				return
			}
		}
		m.appendAgentMessage(e)
		m.greetingID = e.ID
		m.clearThinking()
		return
	}

	// 非问候回复：时间窗内文本相同的非用户消息视为重传
	cutoff := m.now().Add(-m.dedupWindow)
	for _, msg := range m.messages {
		if !msg.IsUser && msg.Text == e.Text && msg.CreatedAt.After(cutoff) {
			m.logger.Debug("retransmitted agent response dropped", zap.String("id", e.ID))
			m.clearThinking()
			return
		}
	}
	m.appendAgentMessage(e)
	m.clearThinking()
}

func (m *Machine) appendAgentMessage(e types.AgentResponse) {
	msg := types.NewAgentMessage(e.ID, e.Text, m.now())
	if e.SuggestedMedia != nil {
		msg = msg.WithMedia(e.SuggestedMedia)
	}
	m.messages = append(m.messages, msg)
}

func (m *Machine) applySpeechStarted(e types.SpeechStarted) {
	m.currentSpeakingID = e.ID
	if m.phase.active() {
		m.transition(PhaseActiveSpeaking)
	}
	// 就绪门：问候语开始播放后才允许"开始"
	if e.ID != "" && e.ID == m.greetingID && !m.greetingStarted {
		m.greetingStarted = true
		m.logger.Info("greeting playback started", zap.String("id", e.ID))
	}
}

func (m *Machine) applySpeechEnded(e types.SpeechEnded) {
	// 空 ID + IsClosing 是无条件结束信号，不要求匹配当前播放
	unconditional := e.ID == "" && e.IsClosing

	if !unconditional && e.ID != m.currentSpeakingID {
		m.logger.Debug("stale speech-ended ignored",
			zap.String("id", e.ID),
			zap.String("current", m.currentSpeakingID))
		return
	}

	m.currentSpeakingID = ""
	if m.phase == PhaseActiveSpeaking {
		m.transition(PhaseActiveIdle)
	}

	if e.IsClosing {
		m.closeLocked("agent_closing")
	}
}

func (m *Machine) clearThinking() {
	if m.phase == PhaseActiveThinking || m.phase == PhaseActiveProcessing {
		m.transition(PhaseActiveIdle)
	}
}

// =============================================================================
// 🔧 用户意图与生命周期迁移
// =============================================================================

// NoteConnecting 标记传输层连接开始。仅从 Idle 有效。
func (m *Machine) NoteConnecting() {
	m.mutate(func() {
		if m.phase != PhaseIdle {
			m.logger.Debug("connecting ignored", zap.Stringer("phase", m.phase))
			return
		}
		m.transition(PhaseConnecting)
	})
}

// NoteReady 标记传输与代理发现完成，进入等待开始。仅从 Idle / Connecting 有效。
func (m *Machine) NoteReady() {
	m.mutate(func() {
		if m.phase != PhaseConnecting && m.phase != PhaseIdle {
			m.logger.Debug("ready ignored", zap.Stringer("phase", m.phase))
			return
		}
		m.transition(PhaseReadyNotStarted)
	})
}

// UpdateReadiness 由就绪评估器调用。false→true 在问候语开始播放前被拒绝。
func (m *Machine) UpdateReadiness(ready bool) {
	m.mutate(func() {
		if m.phase == PhaseClosed {
			m.readyToStart = false
			return
		}
		if ready && !m.greetingStarted {
			m.logger.Debug("readiness gated until greeting playback begins")
			return
		}
		m.readyToStart = ready
	})
}

// SetUserProfile 记录用户画像，供消息与界面使用。
func (m *Machine) SetUserProfile(p *types.UserProfile) {
	m.mutate(func() {
		if m.phase == PhaseClosed {
			return
		}
		m.profile = p
	})
}

// StartConversation 进入活跃会话。仅从 ReadyNotStarted 有效；其他阶段 no-op
// 并返回 false。
func (m *Machine) StartConversation(sessionID string) bool {
	ok := false
	m.mutate(func() {
		if m.phase != PhaseReadyNotStarted || !m.readyToStart {
			m.logger.Warn("start conversation rejected",
				zap.Stringer("phase", m.phase),
				zap.Bool("ready", m.readyToStart))
			return
		}
		m.sessionID = sessionID
		m.sessionStart = m.now()
		m.transition(PhaseActiveIdle)
		ok = true
	})
	return ok
}

// AbortStart 把失败的开始尝试回退到 ReadyNotStarted，清除会话 ID。
func (m *Machine) AbortStart() {
	m.mutate(func() {
		if !m.phase.active() {
			return
		}
		m.sessionID = ""
		m.sessionStart = time.Time{}
		m.transition(PhaseReadyNotStarted)
	})
}

// EndConversation 用户主动结束或超时强制结束。仅从活跃阶段有效。
func (m *Machine) EndConversation(reason string) bool {
	ok := false
	m.mutate(func() {
		if !m.phase.active() {
			m.logger.Debug("end conversation ignored", zap.Stringer("phase", m.phase))
			return
		}
		m.closeLocked(reason)
		ok = true
	})
	return ok
}

// StartListening 进入监听。仅当会话活跃且无进行中的听 / 想 / 说时有效。
func (m *Machine) StartListening(pushToTalk bool) bool {
	ok := false
	m.mutate(func() {
		if m.phase != PhaseActiveIdle || m.currentSpeakingID != "" {
			m.logger.Debug("start listening rejected", zap.Stringer("phase", m.phase))
			return
		}
		m.pushToTalk = pushToTalk
		m.transition(PhaseActiveListening)
		ok = true
	})
	return ok
}

// StopListening 退出监听。非监听态 no-op。
func (m *Machine) StopListening() {
	m.mutate(func() {
		if m.phase != PhaseActiveListening {
			return
		}
		m.pushToTalk = false
		m.transition(PhaseActiveIdle)
	})
}

// SubmitText 提交文字输入。与任意已有用户消息文本相同则丢弃（返回 false）。
func (m *Machine) SubmitText(text string) bool {
	ok := false
	m.mutate(func() {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || !m.phase.active() {
			return
		}
		for _, msg := range m.messages {
			if msg.IsUser && msg.Text == trimmed {
				m.logger.Debug("duplicate text submission dropped")
				return
			}
		}
		m.messages = append(m.messages, types.NewUserMessage(trimmed, m.now()))
		m.transition(PhaseActiveThinking)
		ok = true
	})
	return ok
}

// ClearPending 清除思考 / 处理态（代理无响应看门狗触发），不结束会话。
func (m *Machine) ClearPending() {
	m.mutate(func() {
		m.clearThinking()
	})
}

// Reset 完全重置到 Idle。这是离开 Closed 终态的唯一途径。
func (m *Machine) Reset() {
	m.mutate(func() {
		m.transition(PhaseIdle)
		m.currentSpeakingID = ""
		m.greetingID = ""
		m.greetingStarted = false
		m.readyToStart = false
		m.pushToTalk = false
		m.sessionID = ""
		m.sessionStart = time.Time{}
		m.messages = nil
		m.closeInvoked = false
	})
}

// =============================================================================
// 🔒 内部
// =============================================================================

// closeLocked 执行关闭迁移：终态、清标志，全部在同一临界区内完成，之后
// 经过尾音延迟调用 CloseHook（shouldRedirect=false，反馈步骤优先）。
func (m *Machine) closeLocked(reason string) {
	if m.phase == PhaseClosed {
		return
	}
	m.transition(PhaseClosed)
	m.currentSpeakingID = ""
	m.readyToStart = false
	m.pushToTalk = false

	if m.closeInvoked || m.closeHook == nil {
		return
	}
	m.closeInvoked = true
	hook := m.closeHook
	m.logger.Info("session closing", zap.String("reason", reason))
	time.AfterFunc(m.closeGrace, func() {
		hook(reason, false)
	})
}

// transition 变更阶段并记录指标。必须持锁调用。
func (m *Machine) transition(to Phase) {
	if m.phase == to {
		return
	}
	from := m.phase
	m.phase = to
	if m.metrics != nil {
		m.metrics.RecordStateTransition(from.String(), to.String())
	}
	m.logger.Debug("phase transition",
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}

// mutate 在锁内执行 fn，然后通知观察者。
func (m *Machine) mutate(fn func()) {
	m.mu.Lock()
	fn()
	m.finishMutationAndNotify()
}

// finishMutationAndNotify 递增版本号、制作快照、释放锁并通知观察者。
// 必须持锁调用；返回时锁已释放。
func (m *Machine) finishMutationAndNotify() {
	m.version++
	snap := m.snapshotLocked()
	observers := make([]func(State), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}
