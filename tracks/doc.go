// Copyright (c) VoiceBridge Authors.
// Licensed under the MIT License.

/*
Package tracks 管理远端媒体轨道的生命周期与代理发现。

# 概述

传输层把底层房间的轨道 / 参与者事件转发进来，本包独占 TrackRecord 的
所有权：订阅时创建，退订或参与者断开时级联销毁。

保留策略：只保留 (a) 已识别代理身份的轨道，或 (b) 非本地、非代理远端
参与者的音频轨道；其余一律忽略，不占内存、不暴露给表现层。

附着纪律：每条保留轨道至多绑定一个渲染目标；附着按复合 ID 幂等；
移除前必须先解除附着，错误路径也不例外，避免悬挂的媒体句柄。

# 代理发现

参与者元数据 JSON 中 role 字段标记代理身份；配置的主代理身份优先于
任何其他已识别身份。发现结果（以及代理视频轨道就绪与否）喂给就绪评估。
代理断开后发现重新武装，等待下一个符合条件的参与者。
*/
package tracks
