package interaction

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimerConfig 定时器时长。
type TimerConfig struct {
	// MaxDuration 不活动硬停止。
	MaxDuration time.Duration
	// WarningAfter 警告提前量，必须小于 MaxDuration。
	WarningAfter time.Duration
	// ResponseWatchdog 代理无响应看门狗。
	ResponseWatchdog time.Duration
}

// TimerCallbacks 定时器到期动作。未设置的回调按 no-op 处理。
type TimerCallbacks struct {
	OnInactivityWarning func(remaining time.Duration)
	OnInactivityExpired func()
	OnWatchdogFired     func()
}

// Timers 持有全部超时句柄。句柄显式、取消确定，每条退出路径都调用
// Cancel。并发安全。
type Timers struct {
	mu       sync.Mutex
	warn     *time.Timer
	stop     *time.Timer
	watchdog *time.Timer

	cfg    TimerConfig
	cb     TimerCallbacks
	logger *zap.Logger
}

// NewTimers 创建定时器组，未武装。
func NewTimers(cfg TimerConfig, cb TimerCallbacks, logger *zap.Logger) *Timers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timers{
		cfg:    cfg,
		cb:     cb,
		logger: logger.With(zap.String("component", "interaction.timers")),
	}
}

// Arm 启动（或重启）不活动警告与硬停止。
func (t *Timers) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopInactivityLocked()

	if t.cfg.WarningAfter > 0 && t.cfg.WarningAfter < t.cfg.MaxDuration {
		remaining := t.cfg.MaxDuration - t.cfg.WarningAfter
		t.warn = time.AfterFunc(t.cfg.WarningAfter, func() {
			t.logger.Info("inactivity warning", zap.Duration("remaining", remaining))
			if t.cb.OnInactivityWarning != nil {
				t.cb.OnInactivityWarning(remaining)
			}
		})
	}
	if t.cfg.MaxDuration > 0 {
		t.stop = time.AfterFunc(t.cfg.MaxDuration, func() {
			t.logger.Info("inactivity hard stop")
			if t.cb.OnInactivityExpired != nil {
				t.cb.OnInactivityExpired()
			}
		})
	}
}

// Touch 用户活动：从现在重新计时。未武装时 no-op。
func (t *Timers) Touch() {
	t.mu.Lock()
	armed := t.warn != nil || t.stop != nil
	t.mu.Unlock()
	if armed {
		t.Arm()
	}
}

// ArmWatchdog 启动（或重启）无响应看门狗。
func (t *Timers) ArmWatchdog() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.ResponseWatchdog <= 0 {
		return
	}
	if t.watchdog != nil {
		t.watchdog.Stop()
	}
	t.watchdog = time.AfterFunc(t.cfg.ResponseWatchdog, func() {
		t.logger.Warn("agent response watchdog fired")
		if t.cb.OnWatchdogFired != nil {
			t.cb.OnWatchdogFired()
		}
	})
}

// DisarmWatchdog 停止看门狗。
func (t *Timers) DisarmWatchdog() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.watchdog != nil {
		t.watchdog.Stop()
		t.watchdog = nil
	}
}

// Cancel 停止全部定时器。幂等。
func (t *Timers) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopInactivityLocked()
	if t.watchdog != nil {
		t.watchdog.Stop()
		t.watchdog = nil
	}
}

func (t *Timers) stopInactivityLocked() {
	if t.warn != nil {
		t.warn.Stop()
		t.warn = nil
	}
	if t.stop != nil {
		t.stop.Stop()
		t.stop = nil
	}
}
