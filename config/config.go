// =============================================================================
// 📦 VoiceBridge 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 voicebridge 的完整配置结构
type Config struct {
	// Transport 实时传输配置
	Transport TransportConfig `yaml:"transport" env:"TRANSPORT"`

	// Agent 远端代理识别配置
	Agent AgentConfig `yaml:"agent" env:"AGENT"`

	// Session 会话生命周期配置
	Session SessionConfig `yaml:"session" env:"SESSION"`

	// Protocol 数据通道协议配置
	Protocol ProtocolConfig `yaml:"protocol" env:"PROTOCOL"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`
}

// TransportConfig 实时传输配置
type TransportConfig struct {
	// LiveKit 服务地址（wss://...）
	URL string `yaml:"url" env:"URL"`
	// 房间名
	RoomName string `yaml:"room_name" env:"ROOM_NAME"`
	// 凭证端点（返回 {token}）
	TokenEndpoint string `yaml:"token_endpoint" env:"TOKEN_ENDPOINT"`
	// 凭证请求超时
	TokenTimeout time.Duration `yaml:"token_timeout" env:"TOKEN_TIMEOUT"`
	// 连接超时
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// AgentConfig 远端代理识别配置
type AgentConfig struct {
	// 主代理身份（优先级最高）
	PrimaryIdentity string `yaml:"primary_identity" env:"PRIMARY_IDENTITY"`
	// 其余可信身份
	TrustedIdentities []string `yaml:"trusted_identities" env:"TRUSTED_IDENTITIES"`
	// participant metadata 中标记代理角色的键值
	MetadataRoleKey   string `yaml:"metadata_role_key" env:"METADATA_ROLE_KEY"`
	MetadataRoleValue string `yaml:"metadata_role_value" env:"METADATA_ROLE_VALUE"`
	// 代理是否以视频形象出现（影响就绪判定）
	VideoCapable bool `yaml:"video_capable" env:"VIDEO_CAPABLE"`
}

// SessionConfig 会话生命周期配置
type SessionConfig struct {
	// 会话 CRUD 端点（POST 创建返回 {id}）
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// 后端请求超时
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// 会话最长时长（到点强制结束）
	MaxDuration time.Duration `yaml:"max_duration" env:"MAX_DURATION"`
	// 提前告警阈值（相对会话开始）
	WarningAfter time.Duration `yaml:"warning_after" env:"WARNING_AFTER"`
	// 代理无响应看门狗
	ResponseWatchdog time.Duration `yaml:"response_watchdog" env:"RESPONSE_WATCHDOG"`
	// 关闭信号后等待音频尾音播完的固定延迟
	CloseGrace time.Duration `yaml:"close_grace" env:"CLOSE_GRACE"`
	// 停止监听后麦克风延迟关闭（等待最终转写）
	MicTail time.Duration `yaml:"mic_tail" env:"MIC_TAIL"`
}

// ProtocolConfig 数据通道协议配置
type ProtocolConfig struct {
	// 非问候语重传去重窗口（按消息创建时间比较，启发式而非强约束）
	DedupWindow time.Duration `yaml:"dedup_window" env:"DEDUP_WINDOW"`
	// 高频诊断日志的限流间隔
	LogThrottle time.Duration `yaml:"log_throttle" env:"LOG_THROTTLE"`
	// 限流期间每 N 条放行一条
	LogEveryN int `yaml:"log_every_n" env:"LOG_EVERY_N"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "VOICEBRIDGE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Transport.URL == "" {
		errs = append(errs, "transport.url is required")
	}
	if c.Agent.PrimaryIdentity == "" {
		errs = append(errs, "agent.primary_identity is required")
	}
	if c.Session.WarningAfter >= c.Session.MaxDuration {
		errs = append(errs, "session.warning_after must be before max_duration")
	}
	if c.Protocol.DedupWindow <= 0 {
		errs = append(errs, "protocol.dedup_window must be positive")
	}
	if c.Protocol.LogEveryN <= 0 {
		errs = append(errs, "protocol.log_every_n must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
