// Copyright (c) VoiceBridge Authors.
// Licensed under the MIT License.

/*
Package protocol 实现数据通道载荷到规范事件的解码。

# 概述

远端代理通过实时房间的可靠数据通道发送 JSON 载荷，存在两种方言：

  - direct 方言：{type, payload:{...}} 或 {type, ...扁平字段}，
    事件类型如 initial_greeting_message、user_transcription_result、
    ai_response_generated、tts_started、tts_ended、session_should_end_signal
  - wrapped 方言：{message_type, event_type, inference_id, properties:{...}}，
    event_type 后缀 started_speaking / stopped_speaking / response
    一一映射到规范事件

解码器把两种方言统一翻译成 types.CanonicalEvent，方言细节绝不泄漏给
上层。畸形载荷一律失败关闭（丢弃 + 记录日志），绝不 panic。

# 过滤策略

  - 非可靠（lossy）投递的载荷直接拒绝
  - 发送者身份不在可信代理集合内的载荷直接拒绝
  - wrapped 方言中 message_type == "system" 的未知 event_type
    （心跳、在场通知）静默接受为 no-op，仅做限流的诊断日志

# 日志限流

Throttle 对高频重复事件限流：间隔时间内最多放行一条，或每 N 条放行
一条，避免 system.replica_present 之类的事件刷屏。

# 出站编码

EncodeUserText 产生 {type:"submit_user_text", text, sessionId}。
*/
package protocol
