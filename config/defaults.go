// =============================================================================
// 📦 SwarmFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"github.com/BaSui01/swarmflow/channel"
	"github.com/BaSui01/swarmflow/dispatch"
	"github.com/BaSui01/swarmflow/engine"
	"github.com/BaSui01/swarmflow/internal/pool"
	"github.com/BaSui01/swarmflow/internal/telemetry"
	"github.com/BaSui01/swarmflow/registry"
	"github.com/BaSui01/swarmflow/state"
)

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Channel:    channel.DefaultConfig(),
		Registry:   registry.DefaultConfig(),
		Dispatch:   dispatch.DefaultConfig(),
		Engine:     engine.DefaultConfig(),
		State:      DefaultStateConfig(),
		DeadLetter: DefaultDeadLetterConfig(),
		Pool:       pool.DefaultConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  telemetry.DefaultConfig(),
		Workflows:  map[string]WorkflowTemplate{},
	}
}

// DefaultStateConfig 返回默认状态存储配置（内存后端）
func DefaultStateConfig() StateConfig {
	return StateConfig{
		Backend: "memory",
		Redis:   state.DefaultRedisConfig(),
		Manager: state.DefaultManagerConfig(),
	}
}

// DefaultDeadLetterConfig 返回默认死信存储配置（内存后端）
func DefaultDeadLetterConfig() DeadLetterConfig {
	return DeadLetterConfig{
		Backend: "memory",
		Path:    "swarmflow_dead_letters.db",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stderr"},
	}
}
