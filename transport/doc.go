// Copyright (c) VoiceBridge Authors.
// Licensed under the MIT License.

/*
Package transport 管理与实时房间的底层连接。

# 概述

连接管理器驱动 Disconnected → Connecting → Connected →
Disconnected（允许瞬态 Reconnecting），把底层 SDK 的轨道 / 参与者 /
数据包事件转发给注册的处理器。连接失败降级为 Disconnected 并携带
transport 类型错误，绝不 panic 越过包边界。

# 凭证

每次连接尝试都获取一张新的短时访问凭证——凭证单次有效，重连不得复用。
获取是可取消的；并发的相同请求通过 singleflight 合并。凭证的 JWT
过期声明在客户端做一次非验证解析检查，已过期的凭证直接拒绝。

# 最后请求获胜

身份或会话上下文变化会触发新的连接尝试。每次尝试持有单调递增的
请求令牌：迟到的旧尝试在凭证返回和拨号完成两个检查点被丢弃，
绝不让陈旧连接覆盖新连接。

# 本地麦克风

进入 Connected 后，如本地尚无已发布音频，惰性发布一条静音的 Opus
麦克风轨道（不自动开始采集）；发布失败上报连接错误信号。

# Loopback

开发与测试场景下，Loopback 用 WebSocket 模拟数据通道：同样的载荷
进出口，没有媒体面。
*/
package transport
