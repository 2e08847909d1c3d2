// Copyright (c) VoiceBridge Authors.
// Licensed under the MIT License.

/*
Package conversation 实现对话状态机——整个系统唯一的权威可变状态。

# 概述

所有组件要么向状态机派发事件（解码器的规范事件、用户意图、定时器触发），
要么读取它的不可变快照。所有变更都经过同一把互斥锁串行化，从结构上消除
读-改-写竞争。

# 状态模型

原始实现把 isListening / isProcessing / isSpeaking / isThinking 摊开成
一组独立布尔量，这里折叠成单一 Phase 枚举加辅助数据：

	Idle → Connecting → ReadyNotStarted →
	  Active{Idle | Listening | Thinking | Processing | Speaking} → Closed

"同时多个为真"在类型上不可表示；布尔视图由快照方法派生，仅供观察者使用。
Closed 是终态：一旦进入，messages、监听标志、会话活跃标志不再变更。

# 去重策略

状态机拥有消息列表，因此重传去重在这里实现（解码器保持无状态）：

  - 用户转写：与任意已有用户消息文本完全相同则丢弃（防止文字提交与
    语音转写的重复）
  - 代理回复：按 ID upsert；问候语额外按文本对所有非用户消息去重；
    其余回复按文本对短时间窗（默认 1 秒）内创建的非用户消息去重

# 就绪门

问候语的 SpeechStarted 到达之前，就绪标志不允许翻转为 true——提前允许
"开始"会造成音频与界面脱节。

# 与其他包协同

  - protocol：产出本包消费的规范事件
  - session：通过 CloseHook 在关闭迁移后做会话收尾
  - interaction：把按键 / 按钮 / 超时意图归并后派发进来
*/
package conversation
