package interaction

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serenvia/voicebridge/conversation"
	"github.com/serenvia/voicebridge/protocol"
	"github.com/serenvia/voicebridge/types"
)

// CaptureStream 是本地持有的麦克风采集流。
type CaptureStream interface {
	// Stop 关闭采集并释放设备。
	Stop() error
}

// CaptureSource 获取采集流（媒体设备抽象）。
type CaptureSource interface {
	Acquire(ctx context.Context) (CaptureStream, error)
}

// Controller 归并用户触发。采集流由它独占；publish 把出站载荷送上
// 可靠数据通道。
type Controller struct {
	machine *conversation.Machine
	source  CaptureSource
	publish func(payload []byte) error
	timers  *Timers

	micTail time.Duration

	mu        sync.Mutex
	stream    CaptureStream
	tailTimer *time.Timer

	onError func(error)
	logger  *zap.Logger
}

// ControllerConfig 控制器配置。
type ControllerConfig struct {
	// MicTail 停止监听到关闭采集之间的尾音窗口。
	MicTail time.Duration
}

// NewController 创建交互控制器，并在状态机上挂观察者：进入思考 / 处理
// 态武装看门狗，离开时解除。
func NewController(machine *conversation.Machine, source CaptureSource, publish func([]byte) error, timers *Timers, cfg ControllerConfig, onError func(error), logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		machine: machine,
		source:  source,
		publish: publish,
		timers:  timers,
		micTail: cfg.MicTail,
		onError: onError,
		logger:  logger.With(zap.String("component", "interaction.controller")),
	}
	if timers != nil {
		machine.OnChange(func(s conversation.State) {
			if s.IsThinking() {
				timers.ArmWatchdog()
			} else {
				timers.DisarmWatchdog()
			}
		})
	}
	return c
}

// =============================================================================
// 🔧 推键通话
// =============================================================================

// PushToTalkDown 推键按下：开始推键监听。代理说话 / 思考中、已在监听、
// 会话未活跃时拒绝（no-op）。
func (c *Controller) PushToTalkDown(ctx context.Context) {
	c.startListening(ctx, true)
}

// PushToTalkUp 推键抬起。仅当当前监听确为推键发起时停止监听——按钮
// 发起的监听不受推键抬起影响。
func (c *Controller) PushToTalkUp() {
	snap := c.machine.Snapshot()
	if !snap.IsListening() || !snap.IsPushToTalkActive {
		c.logger.Debug("push-to-talk release ignored",
			zap.Bool("listening", snap.IsListening()),
			zap.Bool("ptt", snap.IsPushToTalkActive))
		return
	}
	c.stopListening()
}

// ToggleTalkButton 麦克风按钮：监听中则停止（推键发起的监听除外），
// 否则开始按钮监听。
func (c *Controller) ToggleTalkButton(ctx context.Context) {
	snap := c.machine.Snapshot()
	if snap.IsListening() {
		if snap.IsPushToTalkActive {
			// 推键按住期间按钮不抢占
			return
		}
		c.stopListening()
		return
	}
	c.startListening(ctx, false)
}

func (c *Controller) startListening(ctx context.Context, pushToTalk bool) {
	if c.timers != nil {
		c.timers.Touch()
	}
	if !c.machine.StartListening(pushToTalk) {
		return
	}

	c.mu.Lock()
	// 尾音窗口内重新开始：复用仍持有的流
	if c.tailTimer != nil {
		c.tailTimer.Stop()
		c.tailTimer = nil
	}
	if c.stream != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	stream, err := c.source.Acquire(ctx)
	if err != nil {
		// 采集失败：退出监听态，流保持为 nil
		c.machine.StopListening()
		merr := types.NewMediaError(types.ErrCaptureFailed, "microphone acquire failed").WithCause(err)
		c.logger.Error("capture acquire failed", zap.Error(merr))
		c.signal(merr)
		return
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
}

// stopListening 退出监听态，尾音窗口过后关闭采集。
func (c *Controller) stopListening() {
	c.machine.StopListening()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return
	}
	if c.tailTimer != nil {
		c.tailTimer.Stop()
	}
	if c.micTail <= 0 {
		c.releaseLocked()
		return
	}
	c.tailTimer = time.AfterFunc(c.micTail, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.tailTimer = nil
		c.releaseLocked()
	})
}

// =============================================================================
// 🔧 文字提交与强制结束
// =============================================================================

// SubmitText 提交文字输入并发送到数据通道。重复文本或非活跃态返回 false。
func (c *Controller) SubmitText(ctx context.Context, text string) bool {
	if c.timers != nil {
		c.timers.Touch()
	}
	if !c.machine.SubmitText(text) {
		return false
	}

	snap := c.machine.Snapshot()
	payload, err := protocol.EncodeUserText(text, snap.ActiveSessionID)
	if err != nil {
		c.signal(err)
		return false
	}
	if c.publish != nil {
		if err := c.publish(payload); err != nil {
			c.logger.Error("user text publish failed", zap.Error(err))
			c.signal(err)
		}
	}
	return true
}

// ForceEnd 超时或外部强制结束：取消定时器并把结束意图派发给状态机。
// 采集流的释放由会话收尾钩子完成。
func (c *Controller) ForceEnd(reason string) {
	if c.timers != nil {
		c.timers.Cancel()
	}
	c.machine.EndConversation(reason)
}

// =============================================================================
// 🔧 资源释放
// =============================================================================

// StopCapture 立即释放采集流。幂等；会话收尾的每条路径都走这里。
// 即使底层 Stop 失败，流引用也会被清空。
func (c *Controller) StopCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tailTimer != nil {
		c.tailTimer.Stop()
		c.tailTimer = nil
	}
	return c.releaseLocked()
}

// HasCapture 报告是否仍持有采集流（测试与诊断用）。
func (c *Controller) HasCapture() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

func (c *Controller) releaseLocked() error {
	if c.stream == nil {
		return nil
	}
	err := c.stream.Stop()
	c.stream = nil // 引用必须清空，Stop 失败也一样
	if err != nil {
		c.logger.Warn("capture stop failed", zap.Error(err))
		return types.NewMediaError(types.ErrCaptureFailed, "capture stop failed").WithCause(err)
	}
	return nil
}

func (c *Controller) signal(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}
