package tracks

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/serenvia/voicebridge/internal/metrics"
	"github.com/serenvia/voicebridge/types"
)

// Kind 是轨道媒体类型。
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// TrackInfo 描述一条到达的远端轨道。由传输层从底层 SDK 事件映射而来。
type TrackInfo struct {
	TrackID string
	Kind    Kind
	Source  string
}

// ParticipantInfo 描述轨道的归属参与者。
type ParticipantInfo struct {
	Identity string
	Metadata string
	IsLocal  bool
}

// TrackRecord 是一条被保留的远端轨道。本包独占其生命周期。
type TrackRecord struct {
	CompositeID         string // participantIdentity + "/" + trackID
	TrackID             string
	Kind                Kind
	ParticipantIdentity string
	IsRecognizedAgent   bool
	Source              string
}

// RenderTarget 是表现层提供的绑定点。Attach 把轨道交给渲染元素，
// Detach 解除绑定。本包不渲染任何东西。
type RenderTarget interface {
	Attach(rec TrackRecord) error
	Detach(rec TrackRecord)
}

// AgentObserver 在发现的目标代理变化时被调用（identity 为空表示丢失）。
type AgentObserver func(identity string, ok bool)

// =============================================================================
// 🎯 轨道管理器
// =============================================================================

// Manager 拥有当前保留的远端轨道集合。并发安全。
type Manager struct {
	mu sync.Mutex

	records  map[string]TrackRecord // compositeID → record
	attached map[string]bool        // compositeID → bound to target

	discovery *discovery
	target    RenderTarget
	onAgent   AgentObserver

	metrics *metrics.Collector
	logger  *zap.Logger
}

// ManagerConfig 轨道管理器配置。
type ManagerConfig struct {
	// PrimaryIdentity 主代理身份，发现时优先于其他已识别身份。
	PrimaryIdentity string
	// TrustedIdentities 额外的已识别代理身份。
	TrustedIdentities []string
	// MetadataRoleKey / MetadataRoleValue 标记代理的参与者元数据字段。
	MetadataRoleKey   string
	MetadataRoleValue string
}

// NewManager 创建轨道管理器。target 可为 nil（无表现层，纯数据模式）。
func NewManager(cfg ManagerConfig, target RenderTarget, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		records:   make(map[string]TrackRecord),
		attached:  make(map[string]bool),
		discovery: newDiscovery(cfg),
		target:    target,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "tracks.manager")),
	}
}

// OnAgentChange 注册代理发现观察者。回调在锁外执行。
func (m *Manager) OnAgentChange(fn AgentObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAgent = fn
}

// =============================================================================
// 🔧 参与者事件
// =============================================================================

// OnParticipantJoined 记录参与者及其元数据，并重算代理发现。
func (m *Manager) OnParticipantJoined(p ParticipantInfo) {
	m.withAgentRecompute(func() {
		m.discovery.upsert(p)
	})
}

// OnParticipantMetadataChanged 元数据更新后重算代理发现（代理可能迟一步
// 才声明角色）。
func (m *Manager) OnParticipantMetadataChanged(p ParticipantInfo) {
	m.withAgentRecompute(func() {
		m.discovery.upsert(p)
	})
}

// OnParticipantDisconnected 级联销毁该参与者的全部轨道并重算发现。
func (m *Manager) OnParticipantDisconnected(identity string) {
	m.withAgentRecompute(func() {
		for id, rec := range m.records {
			if rec.ParticipantIdentity == identity {
				m.detachLocked(rec)
				delete(m.records, id)
			}
		}
		m.discovery.remove(identity)
		m.publishGauges()
	})
}

// =============================================================================
// 🔧 轨道事件
// =============================================================================

// OnTrackSubscribed 应用保留策略；通过则创建记录并附着到渲染目标。
// 重复订阅同一复合 ID 是 no-op（附着幂等）。
func (m *Manager) OnTrackSubscribed(info TrackInfo, p ParticipantInfo) {
	m.withAgentRecompute(func() {
		m.discovery.upsert(p)

		isAgent := m.discovery.isRecognizedAgent(p)
		if !m.retain(info, p, isAgent) {
			m.logger.Debug("track ignored by retention policy",
				zap.String("participant", p.Identity),
				zap.String("track", info.TrackID),
				zap.String("kind", string(info.Kind)))
			return
		}

		rec := TrackRecord{
			CompositeID:         p.Identity + "/" + info.TrackID,
			TrackID:             info.TrackID,
			Kind:                info.Kind,
			ParticipantIdentity: p.Identity,
			IsRecognizedAgent:   isAgent,
			Source:              info.Source,
		}

		if _, exists := m.records[rec.CompositeID]; exists {
			// 幂等：同一轨道的重复订阅不重复附着
			return
		}
		m.records[rec.CompositeID] = rec
		m.attachLocked(rec)
		m.publishGauges()
	})
}

// OnTrackUnsubscribed 先解除附着，再移除记录。
func (m *Manager) OnTrackUnsubscribed(trackID string, participantIdentity string) {
	m.withAgentRecompute(func() {
		composite := participantIdentity + "/" + trackID
		rec, ok := m.records[composite]
		if !ok {
			return
		}
		m.detachLocked(rec)
		delete(m.records, composite)
		m.publishGauges()
	})
}

// retain 实现保留策略。必须持锁调用。
func (m *Manager) retain(info TrackInfo, p ParticipantInfo, isAgent bool) bool {
	if p.IsLocal {
		return false
	}
	if isAgent {
		return true
	}
	// 非代理远端参与者只保留音频
	return info.Kind == KindAudio
}

// =============================================================================
// 🔍 查询
// =============================================================================

// ActiveTracks 返回保留轨道的稳定有序列表，供表现层绑定。
func (m *Manager) ActiveTracks() []TrackRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrackRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompositeID < out[j].CompositeID })
	return out
}

// DiscoveredAgent 返回当前发现的目标代理身份。
func (m *Manager) DiscoveredAgent() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discovery.current()
}

// AgentVideoReady 报告已发现代理的视频轨道是否已保留，喂给就绪评估。
func (m *Manager) AgentVideoReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.discovery.current()
	if !ok {
		return false
	}
	for _, rec := range m.records {
		if rec.ParticipantIdentity == agent && rec.Kind == KindVideo {
			return true
		}
	}
	return false
}

// Reset 解除全部附着并清空状态（会话重置）。
func (m *Manager) Reset() {
	m.withAgentRecompute(func() {
		for id, rec := range m.records {
			m.detachLocked(rec)
			delete(m.records, id)
		}
		m.discovery.reset()
		m.publishGauges()
	})
}

// =============================================================================
// 🔒 内部
// =============================================================================

func (m *Manager) attachLocked(rec TrackRecord) {
	if m.target == nil || m.attached[rec.CompositeID] {
		return
	}
	if err := m.target.Attach(rec); err != nil {
		// 媒体附着失败：降级（表现层少一路画面），轨道记录仍然保留
		merr := types.NewMediaError(types.ErrAttachFailed, "render target attach failed").WithCause(err)
		m.logger.Warn("track attach failed",
			zap.String("track", rec.CompositeID),
			zap.Error(merr))
		return
	}
	m.attached[rec.CompositeID] = true
}

func (m *Manager) detachLocked(rec TrackRecord) {
	if m.target == nil || !m.attached[rec.CompositeID] {
		return
	}
	m.target.Detach(rec)
	delete(m.attached, rec.CompositeID)
}

func (m *Manager) publishGauges() {
	if m.metrics == nil {
		return
	}
	counts := map[Kind]int{KindAudio: 0, KindVideo: 0}
	for _, rec := range m.records {
		counts[rec.Kind]++
	}
	for kind, n := range counts {
		m.metrics.SetActiveTracks(string(kind), n)
	}
}

// withAgentRecompute 在锁内执行 fn，比较前后发现结果，变化时在锁外通知。
func (m *Manager) withAgentRecompute(fn func()) {
	m.mu.Lock()
	beforeID, beforeOK := m.discovery.current()
	fn()
	afterID, afterOK := m.discovery.current()
	observer := m.onAgent
	m.mu.Unlock()

	if observer != nil && (beforeID != afterID || beforeOK != afterOK) {
		observer(afterID, afterOK)
	}
}
