// Copyright (c) VoiceBridge Authors.
// Licensed under the MIT License.

/*
Package session 驱动会话的开始与结束生命周期。

# 开始

StartConversation 校验身份与就绪门，向后端创建会话记录（POST → {id}），
成功后把状态机推入活跃态并记录开始时间。后端失败返回 backend 类型错误，
状态停留在 ReadyNotStarted，绝不留下悬空的会话 ID。

# 结束

EndSession 幂等：已关闭后的再次调用是 no-op。收尾步骤互相独立：

  1. 释放本地采集流
  2. 断开传输连接
  3. 可选的用户通知
  4. 反馈步骤（优先）或直接跳转（兜底）

任何一步失败只记录日志并继续——传输断开失败绝不能阻止本地资源清理。
关闭终态永远落在反馈入口上，即便是超时触发的结束。
*/
package session
