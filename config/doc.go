// Package config 提供 SwarmFlow 的统一配置：YAML 文件加载、
// 环境变量覆盖、配置验证，以及可按名称实例化的工作流模板。
package config
