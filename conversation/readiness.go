package conversation

// ReadinessInputs 是就绪评估的全部输入。每当任一输入变化都应重新求值。
type ReadinessInputs struct {
	// Authenticated 外部身份提供方已给出用户标识。
	Authenticated bool
	// Connected 传输层处于 Connected。
	Connected bool
	// AgentDiscovered 轨道管理器已发现目标代理参与者。
	AgentDiscovered bool
	// AgentVideoCapable 代理会发布视频轨道。
	AgentVideoCapable bool
	// VideoReady 代理视频轨道已就绪。仅在 AgentVideoCapable 时要求。
	VideoReady bool
	// SessionClosed 会话已进入终态。
	SessionClosed bool
	// GreetingStarted 问候语已开始播放（状态机的门控信号）。
	GreetingStarted bool
}

// EvaluateReadiness 是纯函数：
//
//	ready = authenticated ∧ connected ∧ agentDiscovered
//	        ∧ (videoCapable ⇒ videoReady) ∧ ¬closed ∧ greetingStarted
//
// 问候语开始播放之前绝不为 true——提前放行"开始"会造成音画与界面脱节。
func EvaluateReadiness(in ReadinessInputs) bool {
	if !in.Authenticated || !in.Connected || !in.AgentDiscovered {
		return false
	}
	if in.AgentVideoCapable && !in.VideoReady {
		return false
	}
	if in.SessionClosed || !in.GreetingStarted {
		return false
	}
	return true
}
