// =============================================================================
// 📦 SwarmFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("swarmflow.yaml").
//	    WithEnvPrefix("SWARMFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/swarmflow/channel"
	"github.com/BaSui01/swarmflow/dispatch"
	"github.com/BaSui01/swarmflow/engine"
	"github.com/BaSui01/swarmflow/internal/pool"
	"github.com/BaSui01/swarmflow/internal/telemetry"
	"github.com/BaSui01/swarmflow/registry"
	"github.com/BaSui01/swarmflow/state"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 SwarmFlow 编排引擎的完整配置结构
type Config struct {
	// Channel 消息通道配置
	Channel channel.Config `yaml:"channel"`

	// Registry Agent 注册表与熔断器配置
	Registry registry.Config `yaml:"registry"`

	// Dispatch 任务分发配置（超时、退避、限流）
	Dispatch dispatch.Config `yaml:"dispatch"`

	// Engine 工作流引擎配置
	Engine engine.Config `yaml:"engine"`

	// State 状态存储配置
	State StateConfig `yaml:"state"`

	// DeadLetter 死信存储配置
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`

	// Pool 工作流运行池配置
	Pool pool.Config `yaml:"pool"`

	// Log 日志配置
	Log LogConfig `yaml:"log"`

	// Telemetry 遥测配置
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Workflows 命名工作流模板
	Workflows map[string]WorkflowTemplate `yaml:"workflows"`
}

// StateConfig 状态存储配置
type StateConfig struct {
	// Backend 后端类型: memory, redis
	Backend string `yaml:"backend"`
	// Redis 后端连接配置（backend=redis 时生效）
	Redis state.RedisConfig `yaml:"redis"`
	// Manager 状态管理器配置
	Manager state.ManagerConfig `yaml:"manager"`
}

// DeadLetterConfig 死信存储配置
type DeadLetterConfig struct {
	// Backend 后端类型: memory, sqlite
	Backend string `yaml:"backend"`
	// Path SQLite 数据库路径（backend=sqlite 时生效，":memory:" 表示内存库）
	Path string `yaml:"path"`
}

// LogConfig 日志配置
type LogConfig struct {
	// Level 日志级别: debug, info, warn, error
	Level string `yaml:"level"`
	// Format 输出格式: json, console
	Format string `yaml:"format"`
	// OutputPaths 输出路径
	OutputPaths []string `yaml:"output_paths"`
	// EnableCaller 是否记录调用位置
	EnableCaller bool `yaml:"enable_caller"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SWARMFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := Default()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量覆盖关键配置项
// 只覆盖运维上最常调整的配置，结构化配置请使用 YAML 文件
func (l *Loader) loadFromEnv(cfg *Config) error {
	overrides := []struct {
		key string
		set func(string) error
	}{
		{"CHANNEL_QUEUE_SIZE", intSetter(&cfg.Channel.QueueSize)},
		{"REGISTRY_FAILURE_THRESHOLD", intSetter(&cfg.Registry.Breaker.FailureThreshold)},
		{"REGISTRY_COOLDOWN", durationSetter(&cfg.Registry.Breaker.Cooldown)},
		{"DISPATCH_ATTEMPT_TIMEOUT", durationSetter(&cfg.Dispatch.AttemptTimeout)},
		{"ENGINE_MAX_CONCURRENCY", intSetter(&cfg.Engine.MaxConcurrency)},
		{"ENGINE_FAIL_FAST", boolSetter(&cfg.Engine.FailFast)},
		{"STATE_BACKEND", stringSetter(&cfg.State.Backend)},
		{"STATE_REDIS_HOST", stringSetter(&cfg.State.Redis.Host)},
		{"STATE_REDIS_PORT", intSetter(&cfg.State.Redis.Port)},
		{"STATE_REDIS_PASSWORD", stringSetter(&cfg.State.Redis.Password)},
		{"DEAD_LETTER_BACKEND", stringSetter(&cfg.DeadLetter.Backend)},
		{"DEAD_LETTER_PATH", stringSetter(&cfg.DeadLetter.Path)},
		{"LOG_LEVEL", stringSetter(&cfg.Log.Level)},
		{"LOG_FORMAT", stringSetter(&cfg.Log.Format)},
		{"TELEMETRY_ENABLED", boolSetter(&cfg.Telemetry.Enabled)},
		{"TELEMETRY_OTLP_ENDPOINT", stringSetter(&cfg.Telemetry.OTLPEndpoint)},
	}

	for _, o := range overrides {
		value := os.Getenv(l.envPrefix + "_" + o.key)
		if value == "" {
			continue
		}
		if err := o.set(value); err != nil {
			return fmt.Errorf("invalid %s_%s: %w", l.envPrefix, o.key, err)
		}
	}
	return nil
}

func stringSetter(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func intSetter(dst *int) func(string) error {
	return func(v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = i
		return nil
	}
}

func boolSetter(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func durationSetter(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Channel.QueueSize <= 0 {
		errs = append(errs, "channel queue_size must be positive")
	}
	if c.Registry.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "registry failure_threshold must be positive")
	}
	if c.Dispatch.AttemptTimeout <= 0 {
		errs = append(errs, "dispatch attempt_timeout must be positive")
	}
	if c.Engine.MaxConcurrency <= 0 {
		errs = append(errs, "engine max_concurrency must be positive")
	}
	switch c.State.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown state backend %q", c.State.Backend))
	}
	switch c.DeadLetter.Backend {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unknown dead letter backend %q", c.DeadLetter.Backend))
	}
	for name, tpl := range c.Workflows {
		if err := tpl.validate(); err != nil {
			errs = append(errs, fmt.Sprintf("workflow %q: %v", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// NewLogger 根据日志配置构建 zap.Logger
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if c.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if len(c.OutputPaths) > 0 {
		zcfg.OutputPaths = c.OutputPaths
	}
	zcfg.DisableCaller = !c.EnableCaller
	return zcfg.Build()
}
