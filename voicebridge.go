// Package voicebridge wires the conversation orchestration core together:
// transport, protocol decoding, track lifecycle, the conversation state
// machine, session lifecycle and interaction control behind one client.
//
// Usage:
//
//	cfg := config.MustLoad()
//	client, err := voicebridge.New(cfg, voicebridge.Deps{
//		RenderTarget:  myBinder,
//		CaptureSource: myMicrophone,
//		UX:            voicebridge.UX{Notify: toast, Feedback: openFeedback},
//	})
//	err = client.Connect(ctx, profile)
//	err = client.Start(ctx)
//
// The client owns no rendering and no persistence: it exposes state
// snapshots, the retained track list and user-intent entry points.
package voicebridge

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/serenvia/voicebridge/config"
	"github.com/serenvia/voicebridge/conversation"
	"github.com/serenvia/voicebridge/interaction"
	"github.com/serenvia/voicebridge/internal/logging"
	"github.com/serenvia/voicebridge/internal/metrics"
	"github.com/serenvia/voicebridge/protocol"
	"github.com/serenvia/voicebridge/session"
	"github.com/serenvia/voicebridge/tracks"
	"github.com/serenvia/voicebridge/transport"
	"github.com/serenvia/voicebridge/types"
)

// UX 是表现层提供的出口：通知、反馈步骤、跳转兜底。全部可缺省。
type UX struct {
	Notify   func(message string)
	Feedback func(reason string)
	Redirect func()
	// OnError 接收所有组件上浮的类型化错误。
	OnError func(err error)
}

// Deps 注入外部协作方。零值字段使用默认实现（LiveKit 拨号、HTTP 凭证
// 与会话后端、默认指标注册表）。
type Deps struct {
	RenderTarget  tracks.RenderTarget
	CaptureSource interaction.CaptureSource
	UX            UX

	Dialer      transport.Dialer
	Credentials transport.CredentialSource
	Backend     session.Backend
	Registerer  prometheus.Registerer
	Logger      *zap.Logger
}

// Client 是编排核心的入口。
type Client struct {
	cfg *config.Config

	machine    *conversation.Machine
	decoder    *protocol.Decoder
	tracks     *tracks.Manager
	transport  *transport.Manager
	session    *session.Manager
	controller *interaction.Controller
	timers     *interaction.Timers

	mu      sync.Mutex
	profile *types.UserProfile
	conn    transport.State

	ux     UX
	logger *zap.Logger
}

// New 按配置装配全部组件。
func New(cfg *config.Config, deps Deps) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Log)
	}
	collector := metrics.NewCollector("voicebridge", deps.Registerer, logger)

	c := &Client{
		cfg:    cfg,
		ux:     deps.UX,
		logger: logger.With(zap.String("component", "voicebridge.client")),
	}

	c.machine = conversation.NewMachine(logger,
		conversation.WithDedupWindow(cfg.Protocol.DedupWindow),
		conversation.WithCloseGrace(cfg.Session.CloseGrace),
		conversation.WithMetrics(collector),
	)

	trusted := append([]string{cfg.Agent.PrimaryIdentity}, cfg.Agent.TrustedIdentities...)
	c.decoder = protocol.NewDecoder(trusted,
		protocol.NewThrottle(cfg.Protocol.LogThrottle, cfg.Protocol.LogEveryN),
		collector, logger)

	c.tracks = tracks.NewManager(tracks.ManagerConfig{
		PrimaryIdentity:   cfg.Agent.PrimaryIdentity,
		TrustedIdentities: cfg.Agent.TrustedIdentities,
		MetadataRoleKey:   cfg.Agent.MetadataRoleKey,
		MetadataRoleValue: cfg.Agent.MetadataRoleValue,
	}, deps.RenderTarget, collector, logger)
	c.tracks.OnAgentChange(func(string, bool) { c.recomputeReadiness() })

	creds := deps.Credentials
	if creds == nil {
		creds = transport.NewCredentialClient(cfg.Transport.TokenEndpoint, cfg.Transport.TokenTimeout, collector, logger)
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = transport.NewLiveKitDialer(logger)
	}
	c.transport = transport.NewManager(cfg.Transport, creds, dialer, &transport.Handlers{
		OnStateChange:          c.onTransportState,
		OnData:                 c.onData,
		OnTrackSubscribed:      c.onTrackSubscribed,
		OnTrackUnsubscribed:    c.tracks.OnTrackUnsubscribed,
		OnParticipantConnected: c.tracks.OnParticipantJoined,
		OnParticipantDisconnected: func(identity string) {
			c.tracks.OnParticipantDisconnected(identity)
		},
		OnMetadataChanged: c.tracks.OnParticipantMetadataChanged,
		OnError:           c.surface,
	}, logger)

	c.timers = interaction.NewTimers(interaction.TimerConfig{
		MaxDuration:      cfg.Session.MaxDuration,
		WarningAfter:     cfg.Session.WarningAfter,
		ResponseWatchdog: cfg.Session.ResponseWatchdog,
	}, interaction.TimerCallbacks{
		OnInactivityWarning: func(remaining time.Duration) {
			if c.ux.Notify != nil {
				c.ux.Notify("La sesión terminará pronto por inactividad.")
			}
		},
		OnInactivityExpired: func() { c.End("inactivity_timeout") },
		OnWatchdogFired: func() {
			c.machine.ClearPending()
			c.surface(types.NewBackendError(types.ErrAgentSilent, "agent did not respond in time").WithRetryable(true))
		},
	}, logger)

	c.controller = interaction.NewController(c.machine, deps.CaptureSource,
		c.transport.PublishData, c.timers,
		interaction.ControllerConfig{MicTail: cfg.Session.MicTail},
		c.surface, logger)

	backend := deps.Backend
	if backend == nil {
		backend = session.NewClient(cfg.Session.Endpoint, cfg.Session.RequestTimeout, logger)
	}
	c.session = session.NewManager(c.machine, backend, session.Hooks{
		StopCapture:         c.controller.StopCapture,
		DisconnectTransport: c.transport.Disconnect,
		Notify:              c.ux.Notify,
		Feedback:            c.ux.Feedback,
		Redirect:            c.ux.Redirect,
	}, collector, logger)

	// 问候语开始播放时就绪门打开，经这里重算
	c.machine.OnChange(func(s conversation.State) {
		if s.GreetingStarted && !s.IsReadyToStart {
			c.recomputeReadiness()
		}
	})

	return c, nil
}

// Connect 以给定用户身份连接房间。再次调用会作废仍在途的旧尝试。
func (c *Client) Connect(ctx context.Context, profile *types.UserProfile) error {
	if profile == nil || profile.ID == "" {
		return types.NewTransportError(types.ErrConnectFailed, "not authenticated").WithRetryable(false)
	}
	c.mu.Lock()
	c.profile = profile
	c.mu.Unlock()

	c.machine.SetUserProfile(profile)
	c.machine.NoteConnecting()

	err := c.transport.Connect(ctx, transport.CredentialRequest{
		Room:          c.cfg.Transport.RoomName,
		Identity:      profile.ID,
		Participant:   profile.Username,
		UserID:        profile.ID,
		Username:      profile.Username,
		LatestSummary: profile.InitialContext,
	})
	if err != nil {
		return err
	}

	c.machine.NoteReady()
	c.recomputeReadiness()
	return nil
}

// Start 开始会话（就绪门通过后）。成功后武装不活动定时器。
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	profile := c.profile
	c.mu.Unlock()

	if err := c.session.StartConversation(ctx, profile); err != nil {
		return err
	}
	c.timers.Arm()
	return nil
}

// End 结束会话并收尾。幂等。
func (c *Client) End(reason string) {
	c.timers.Cancel()
	c.session.EndSession(context.Background(), true, reason, false)
}

// 用户触发入口。

func (c *Client) PushToTalkDown(ctx context.Context) { c.controller.PushToTalkDown(ctx) }
func (c *Client) PushToTalkUp()                      { c.controller.PushToTalkUp() }
func (c *Client) ToggleTalkButton(ctx context.Context) {
	c.controller.ToggleTalkButton(ctx)
}

// SendText 提交文字输入。
func (c *Client) SendText(ctx context.Context, text string) bool {
	return c.controller.SubmitText(ctx, text)
}

// State 返回对话状态快照。
func (c *Client) State() conversation.State { return c.machine.Snapshot() }

// OnChange 注册状态观察者。
func (c *Client) OnChange(fn func(conversation.State)) { c.machine.OnChange(fn) }

// ActiveTracks 返回保留轨道列表，供表现层绑定。
func (c *Client) ActiveTracks() []tracks.TrackRecord { return c.tracks.ActiveTracks() }

// =============================================================================
// 🔒 内部
// =============================================================================

func (c *Client) onTransportState(s transport.State) {
	c.mu.Lock()
	c.conn = s
	c.mu.Unlock()
	c.recomputeReadiness()
}

func (c *Client) onData(payload []byte, sender string, delivery protocol.Delivery) {
	ev, err := c.decoder.Decode(payload, sender, delivery)
	if err != nil || ev == nil {
		return // 解码器已记录
	}
	c.machine.Apply(ev)
}

func (c *Client) onTrackSubscribed(info tracks.TrackInfo, p tracks.ParticipantInfo) {
	c.tracks.OnTrackSubscribed(info, p)
	c.recomputeReadiness() // 代理视频轨道就绪可能改变
}

// recomputeReadiness 汇集就绪输入并更新状态机。就绪门的问候语条件由
// 状态机自身把守。
func (c *Client) recomputeReadiness() {
	c.mu.Lock()
	authenticated := c.profile != nil && c.profile.ID != ""
	connected := c.conn == transport.StateConnected
	c.mu.Unlock()

	_, agentOK := c.tracks.DiscoveredAgent()
	snap := c.machine.Snapshot()

	ready := conversation.EvaluateReadiness(conversation.ReadinessInputs{
		Authenticated:     authenticated,
		Connected:         connected,
		AgentDiscovered:   agentOK,
		AgentVideoCapable: c.cfg.Agent.VideoCapable,
		VideoReady:        c.tracks.AgentVideoReady(),
		SessionClosed:     snap.IsSessionClosed(),
		GreetingStarted:   snap.GreetingStarted,
	})
	if ready != snap.IsReadyToStart {
		c.machine.UpdateReadiness(ready)
	}
}

func (c *Client) surface(err error) {
	if err == nil {
		return
	}
	c.logger.Warn("component error surfaced", zap.Error(err))
	if c.ux.OnError != nil {
		c.ux.OnError(err)
	}
}
