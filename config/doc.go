// Copyright (c) VoiceBridge Authors.
// Licensed under the MIT License.

/*
Package config 提供 voicebridge 的统一配置加载能力。

# 概述

config 实现「默认值 → YAML 文件 → 环境变量」三级覆盖的配置加载，
通过 Builder 模式组装加载器，支持自定义验证器。

使用方法:

	cfg, err := config.NewLoader().
	    WithConfigPath("voicebridge.yaml").
	    WithEnvPrefix("VOICEBRIDGE").
	    Load()

# 配置域

  - TransportConfig — LiveKit 服务地址、房间名、凭证端点
  - AgentConfig     — 代理身份识别（主身份、元数据角色、是否有视频能力）
  - SessionConfig   — 会话 CRUD 端点、会话时长与告警阈值、响应看门狗
  - ProtocolConfig  — 重传去重窗口、日志限流参数
  - LogConfig       — 日志级别与格式
*/
package config
