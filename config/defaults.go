// =============================================================================
// 📦 VoiceBridge 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Transport: DefaultTransportConfig(),
		Agent:     DefaultAgentConfig(),
		Session:   DefaultSessionConfig(),
		Protocol:  DefaultProtocolConfig(),
		Log:       DefaultLogConfig(),
	}
}

// DefaultTransportConfig 返回默认传输配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		URL:            "",
		RoomName:       "ai-companion-chat",
		TokenEndpoint:  "/api/livekit-token",
		TokenTimeout:   10 * time.Second,
		ConnectTimeout: 15 * time.Second,
	}
}

// DefaultAgentConfig 返回默认代理识别配置
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		PrimaryIdentity:   "Maria-TTS-Bot",
		TrustedIdentities: nil,
		MetadataRoleKey:   "role",
		MetadataRoleValue: "interactive_agent",
		VideoCapable:      true,
	}
}

// DefaultSessionConfig 返回默认会话配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Endpoint:         "/api/sessions",
		RequestTimeout:   10 * time.Second,
		MaxDuration:      20 * time.Minute,
		WarningAfter:     18 * time.Minute,
		ResponseWatchdog: 45 * time.Second,
		CloseGrace:       1500 * time.Millisecond,
		MicTail:          800 * time.Millisecond,
	}
}

// DefaultProtocolConfig 返回默认协议配置
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		DedupWindow: time.Second,
		LogThrottle: 30 * time.Second,
		LogEveryN:   20,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "json",
	}
}
