// Copyright (c) VoiceBridge Authors.
// Licensed under the MIT License.

/*
Package interaction 把并发的用户触发归并成对状态机的合法派发。

# 触发源

推键通话（按住说话）、麦克风按钮、文字提交、超时强制结束——它们都竞争
同一个监听标志。控制器按当前状态拒绝非法迁移：代理说话 / 思考中不能开始
监听；按钮发起的监听不响应推键抬起；重复触发是 no-op。

# 采集流所有权

本地麦克风采集流由本包独占。每条退出路径（正常停止、采集失败、会话
收尾）都必须释放流——这里泄漏句柄就是缺陷。停止监听时先退出监听态，
经过短暂的尾音窗口（默认 800ms）再关闭采集，避免截断最后一段转写。

# 定时器

超时句柄全部显式持有、确定性取消，不靠环境全局量：

  - 不活动超时：到期前发出警告通知，到期强制结束会话
  - 无响应看门狗：代理长时间不回复时清除思考 / 处理态并上报可恢复
    错误，不结束会话
*/
package interaction
