package protocol

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/serenvia/voicebridge/internal/metrics"
	"github.com/serenvia/voicebridge/types"
)

// =============================================================================
// 🔧 投递方式与方言
// =============================================================================

// Delivery 标识数据通道载荷的投递方式。
type Delivery int

const (
	// DeliveryLossy 不可靠投递（可能丢包、乱序）。解码器一律拒绝。
	DeliveryLossy Delivery = iota
	// DeliveryReliable 可靠投递。语义事件只接受这种方式。
	DeliveryReliable
)

// 方言标签，用于指标与日志。
const (
	dialectDirect  = "direct"
	dialectWrapped = "wrapped"
)

// 载荷拒绝原因。
const (
	rejectLossy      = "lossy_delivery"
	rejectUntrusted  = "untrusted_sender"
	rejectMalformed  = "malformed_json"
	rejectUnroutable = "unroutable_event"
)

// =============================================================================
// 📦 线上载荷结构
// =============================================================================

// envelope 同时容纳两种方言的顶层字段。direct 方言的字段既可能嵌套在
// payload 里，也可能平铺在顶层，两种形态都要接受。
type envelope struct {
	// direct 方言
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`

	// wrapped 方言
	MessageType string          `json:"message_type"`
	EventType   string          `json:"event_type"`
	InferenceID string          `json:"inference_id"`
	Properties  json.RawMessage `json:"properties"`

	// direct 方言的平铺形态
	directFields
}

type directFields struct {
	ID             string        `json:"id"`
	Text           string        `json:"text"`
	Transcript     string        `json:"transcript"`
	MessageID      string        `json:"messageId"`
	IsClosing      bool          `json:"isClosing"`
	SuggestedMedia *mediaPayload `json:"suggestedVideo"`
}

type wrappedProps struct {
	Text      string `json:"text"`
	IsClosing bool   `json:"is_closing"`
}

type mediaPayload struct {
	Kind  string `json:"kind"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (m *mediaPayload) toRef() *types.MediaRef {
	if m == nil || m.URL == "" {
		return nil
	}
	kind := m.Kind
	if kind == "" {
		kind = "video"
	}
	return &types.MediaRef{Kind: kind, URL: m.URL, Title: m.Title}
}

// =============================================================================
// 🔍 解码器
// =============================================================================

// Decoder 把数据通道的 JSON 载荷翻译成规范事件。无状态（除日志限流外），
// 去重等策略由状态机负责。并发安全。
type Decoder struct {
	trusted  map[string]struct{}
	throttle *Throttle
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewDecoder 创建解码器。trustedIdentities 是允许的发送者身份集合。
func NewDecoder(trustedIdentities []string, throttle *Throttle, collector *metrics.Collector, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if throttle == nil {
		throttle = NewThrottle(0, 0)
	}
	trusted := make(map[string]struct{}, len(trustedIdentities))
	for _, id := range trustedIdentities {
		trusted[id] = struct{}{}
	}
	return &Decoder{
		trusted:  trusted,
		throttle: throttle,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "protocol.decoder")),
	}
}

// Decode 解码一条数据通道载荷。
//
// 返回值约定：
//   - (event, nil)：成功解码出规范事件
//   - (nil, nil)：载荷被过滤（非可靠投递 / 不可信发送者），属于正常丢弃
//   - (nil, err)：畸形或不可路由的载荷，已记录日志，调用方丢弃即可
//
// 失败关闭：任何解析失败都不会传播给状态机，绝不 panic。
func (d *Decoder) Decode(raw []byte, senderIdentity string, delivery Delivery) (types.CanonicalEvent, error) {
	if delivery != DeliveryReliable {
		d.reject(rejectLossy)
		if d.throttle.Allow("reject:" + rejectLossy) {
			d.logger.Debug("dropping lossy payload", zap.String("sender", senderIdentity))
		}
		return nil, nil
	}

	if _, ok := d.trusted[senderIdentity]; !ok {
		d.reject(rejectUntrusted)
		if d.throttle.Allow("reject:" + rejectUntrusted) {
			d.logger.Warn("dropping payload from untrusted sender",
				zap.String("sender", senderIdentity))
		}
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.reject(rejectMalformed)
		d.logger.Warn("malformed datachannel payload",
			zap.String("sender", senderIdentity),
			zap.Error(err))
		return nil, types.NewProtocolError(types.ErrMalformedPayload, "invalid JSON payload").WithCause(err)
	}

	if env.MessageType != "" || env.EventType != "" {
		return d.decodeWrapped(&env)
	}
	if env.Type != "" {
		return d.decodeDirect(&env)
	}

	d.reject(rejectUnroutable)
	d.logger.Warn("payload has neither type nor event_type", zap.String("sender", senderIdentity))
	return nil, types.NewProtocolError(types.ErrUnroutableEvent, "payload carries no event discriminator")
}

// -----------------------------------------------------------------------------
// direct 方言
// -----------------------------------------------------------------------------

// direct 方言事件类型。
const (
	typeInitialGreeting  = "initial_greeting_message"
	typeUserTranscript   = "user_transcription_result"
	typeAgentResponse    = "ai_response_generated"
	typeSpeechStarted    = "tts_started"
	typeSpeechEnded      = "tts_ended"
	typeSessionShouldEnd = "session_should_end_signal"
)

func (d *Decoder) decodeDirect(env *envelope) (types.CanonicalEvent, error) {
	fields := env.directFields
	if len(env.Payload) > 0 {
		var nested directFields
		if err := json.Unmarshal(env.Payload, &nested); err != nil {
			d.reject(rejectMalformed)
			d.logger.Warn("malformed direct payload body",
				zap.String("type", env.Type), zap.Error(err))
			return nil, types.NewProtocolError(types.ErrMalformedPayload, "invalid payload body").WithCause(err)
		}
		fields = nested
	}

	switch env.Type {
	case typeInitialGreeting:
		id := fields.ID
		if id == "" {
			id = "greeting-" + uuid.NewString()
		}
		return d.decoded(dialectDirect, env.Type, types.AgentResponse{
			ID:         id,
			Text:       fields.Text,
			IsGreeting: true,
		})

	case typeUserTranscript:
		text := fields.Transcript
		if text == "" {
			text = fields.Text
		}
		return d.decoded(dialectDirect, env.Type, types.UserTranscript{Text: text})

	case typeAgentResponse:
		id := fields.ID
		if id == "" {
			id = "ai-" + uuid.NewString()
		}
		return d.decoded(dialectDirect, env.Type, types.AgentResponse{
			ID:             id,
			Text:           fields.Text,
			SuggestedMedia: fields.SuggestedMedia.toRef(),
		})

	case typeSpeechStarted:
		return d.decoded(dialectDirect, env.Type, types.SpeechStarted{ID: fields.MessageID})

	case typeSpeechEnded:
		return d.decoded(dialectDirect, env.Type, types.SpeechEnded{
			ID:        fields.MessageID,
			IsClosing: fields.IsClosing,
		})

	case typeSessionShouldEnd:
		// 无条件结束信号：空 ID + IsClosing
		return d.decoded(dialectDirect, env.Type, types.SpeechEnded{IsClosing: true})

	default:
		d.reject(rejectUnroutable)
		if d.throttle.Allow("unknown_direct:" + env.Type) {
			d.logger.Warn("unknown direct event type", zap.String("type", env.Type))
		}
		return nil, types.NewProtocolError(types.ErrUnroutableEvent, "unknown direct event type: "+env.Type)
	}
}

// -----------------------------------------------------------------------------
// wrapped 方言
// -----------------------------------------------------------------------------

// wrapped 方言按 event_type 后缀路由。
const (
	suffixSpeechStarted = "started_speaking"
	suffixSpeechEnded   = "stopped_speaking"
	suffixResponse      = "response"
)

func (d *Decoder) decodeWrapped(env *envelope) (types.CanonicalEvent, error) {
	var props wrappedProps
	if len(env.Properties) > 0 {
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			d.reject(rejectMalformed)
			d.logger.Warn("malformed wrapped properties",
				zap.String("event_type", env.EventType), zap.Error(err))
			return nil, types.NewProtocolError(types.ErrMalformedPayload, "invalid properties body").WithCause(err)
		}
	}

	switch {
	case strings.HasSuffix(env.EventType, suffixSpeechStarted):
		return d.decoded(dialectWrapped, env.EventType, types.SpeechStarted{ID: env.InferenceID})

	case strings.HasSuffix(env.EventType, suffixSpeechEnded):
		return d.decoded(dialectWrapped, env.EventType, types.SpeechEnded{
			ID:        env.InferenceID,
			IsClosing: props.IsClosing,
		})

	case strings.HasSuffix(env.EventType, suffixResponse):
		id := env.InferenceID
		if id == "" {
			id = "ai-" + uuid.NewString()
		}
		return d.decoded(dialectWrapped, env.EventType, types.AgentResponse{
			ID:   id,
			Text: props.Text,
		})
	}

	if env.MessageType == "system" {
		// 系统侧心跳 / 在场通知：静默接受为 no-op，仅做限流日志
		if d.throttle.Allow("system:" + env.EventType) {
			d.logger.Debug("ignoring system event",
				zap.String("event_type", env.EventType),
				zap.Int("seen", d.throttle.Count("system:"+env.EventType)))
		}
		return d.decoded(dialectWrapped, "system_status", types.SystemStatus{EventType: env.EventType})
	}

	d.reject(rejectUnroutable)
	if d.throttle.Allow("unknown_wrapped:" + env.EventType) {
		d.logger.Warn("unroutable wrapped event",
			zap.String("message_type", env.MessageType),
			zap.String("event_type", env.EventType))
	}
	return nil, types.NewProtocolError(types.ErrUnroutableEvent, "unroutable wrapped event: "+env.EventType)
}

// -----------------------------------------------------------------------------
// 指标
// -----------------------------------------------------------------------------

func (d *Decoder) decoded(dialect, eventType string, ev types.CanonicalEvent) (types.CanonicalEvent, error) {
	if d.metrics != nil {
		d.metrics.RecordEventDecoded(eventType, dialect)
	}
	return ev, nil
}

func (d *Decoder) reject(reason string) {
	if d.metrics != nil {
		d.metrics.RecordPayloadRejected(reason)
	}
}
