package types

// CanonicalEvent 是数据通道事件的规范内部表示。协议解码器把两种线上方言
// 统一翻译成这组事件，状态机是唯一的消费者；方言细节绝不越过解码器边界。
type CanonicalEvent interface {
	canonicalEvent()
}

// UserTranscript carries the final speech-to-text result for a user
// utterance.
type UserTranscript struct {
	Text string
}

func (UserTranscript) canonicalEvent() {}

// AgentResponse carries agent reply text. The same ID may arrive more than
// once when the agent revises a streamed utterance; consumers upsert by ID.
type AgentResponse struct {
	ID             string
	Text           string
	IsGreeting     bool
	SuggestedMedia *MediaRef
}

func (AgentResponse) canonicalEvent() {}

// SpeechStarted signals that playback of the utterance with the given
// message ID has begun on the agent side.
type SpeechStarted struct {
	ID string
}

func (SpeechStarted) canonicalEvent() {}

// SpeechEnded signals playback end. IsClosing marks the agent's final
// utterance: the session must close once its tail has played out. An empty
// ID with IsClosing set is an unconditional end signal that does not need to
// match the currently speaking message.
type SpeechEnded struct {
	ID        string
	IsClosing bool
}

func (SpeechEnded) canonicalEvent() {}

// SystemStatus 表示系统侧的心跳 / 在场通知等非语义事件（例如 wrapped 方言
// 中 message_type == "system" 的未知 event_type）。状态机对它一律不作反应。
type SystemStatus struct {
	EventType string
}

func (SystemStatus) canonicalEvent() {}
