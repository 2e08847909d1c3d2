// Copyright (c) VoiceBridge Authors.
// Licensed under the MIT License.

/*
Package types 提供 voicebridge 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 conversation、protocol、
transport、tracks、session、interaction 等上层模块提供统一的类型契约。
所有跨包共享的结构体、事件联合类型和错误码均定义于此，以避免循环依赖。

# 核心类型

  - Message            — 对话消息（ID、Text、IsUser、Timestamp、SuggestedMedia）
  - CanonicalEvent     — 数据通道事件的规范表示（标签联合类型）
  - UserTranscript / AgentResponse / SpeechStarted / SpeechEnded / SystemStatus
  - Error / ErrorKind  — 结构化错误体系，按 transport / protocol / media /
    backend 分类，含 Retryable 标记与错误链
  - UserProfile        — 不透明的用户身份（外部认证系统提供）

# 主要能力

  - 错误工具链：WrapError / AsError / IsKind / IsRetryable
  - 常用错误构造：NewTransportError / NewProtocolError / NewMediaError /
    NewBackendError
  - 消息构造：NewUserMessage / NewAgentMessage（自动生成 ID 与时间戳）
*/
package types
