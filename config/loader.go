// =============================================================================
// 📦 agentrun 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentrun.yaml").
//	    WithEnvPrefix("AGENTRUN").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow/approval"
	"github.com/BaSui01/agentrun/workflow/budget"
	"github.com/BaSui01/agentrun/workflow/retry"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 agentrun 的完整配置结构
type Config struct {
	// Engine 工作流引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Resolver Agent 规格解析配置
	Resolver ResolverConfig `yaml:"resolver" env:"RESOLVER"`

	// Retry 默认重试策略
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Budget 成本预算
	Budget BudgetConfig `yaml:"budget" env:"BUDGET"`

	// Approval 人工审批
	Approval ApprovalConfig `yaml:"approval" env:"APPROVAL"`

	// SpecStore Agent 规格存储
	SpecStore SpecStoreConfig `yaml:"spec_store" env:"SPEC_STORE"`

	// EventLog 事件日志
	EventLog EventLogConfig `yaml:"event_log" env:"EVENT_LOG"`

	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// EngineConfig 引擎配置
type EngineConfig struct {
	// 最大并发步骤数
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// 单次尝试超时，0 表示不限
	StepTimeout time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
	// 取消后等待适配器返回的宽限期
	CancelGrace time.Duration `yaml:"cancel_grace" env:"CANCEL_GRACE"`
	// 资源锁 TTL
	LockTTL time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
	// 锁心跳续期间隔，0 表示不续期
	LockHeartbeat time.Duration `yaml:"lock_heartbeat" env:"LOCK_HEARTBEAT"`
	// 适配器调用速率（次/秒），0 表示不限
	DispatchRate float64 `yaml:"dispatch_rate" env:"DISPATCH_RATE"`
	// 速率限制突发量
	DispatchBurst int `yaml:"dispatch_burst" env:"DISPATCH_BURST"`
}

// ResolverConfig 继承链解析配置
type ResolverConfig struct {
	// 继承链最大深度
	MaxDepth int `yaml:"max_depth" env:"MAX_DEPTH"`
}

// RetryConfig 默认重试策略
type RetryConfig struct {
	// 退避策略: constant, linear, exponential, jittered_exponential
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	// 总尝试次数（含首次）
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 初始延迟
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	// 最大延迟
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 指数倍数
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// 抖动幅度
	JitterFraction float64 `yaml:"jitter_fraction" env:"JITTER_FRACTION"`
	// 抖动种子
	JitterSeed uint64 `yaml:"jitter_seed" env:"JITTER_SEED"`
	// 允许重试的错误分类
	RetryOn []string `yaml:"retry_on" env:"RETRY_ON"`
}

// BudgetConfig 预算配置
type BudgetConfig struct {
	// 上限（十进制字符串），空表示不限额
	Limit string `yaml:"limit" env:"LIMIT"`
	// 告警阈值 0.0-1.0
	AlertThreshold float64 `yaml:"alert_threshold" env:"ALERT_THRESHOLD"`
}

// ApprovalConfig 审批配置
type ApprovalConfig struct {
	// 默认超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 超时默认决策: approve, reject
	DefaultDecision string `yaml:"default_decision" env:"DEFAULT_DECISION"`
}

// SpecStoreConfig 规格存储配置
type SpecStoreConfig struct {
	// 驱动: file, redis
	Driver string `yaml:"driver" env:"DRIVER"`
	// file 驱动的根目录
	Dir string `yaml:"dir" env:"DIR"`
	// file 驱动的 glob 模式
	Pattern string `yaml:"pattern" env:"PATTERN"`
	// redis 驱动的键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// EventLogConfig 事件日志配置
type EventLogConfig struct {
	// 驱动: none, memory, redis, database
	Driver string `yaml:"driver" env:"DRIVER"`
	// redis 驱动的键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 启用 TLS（TLS 1.2+）
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// /metrics 监听地址，空表示不暴露
	Addr string `yaml:"addr" env:"ADDR"`
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
		envPrefix:  "AGENTRUN",
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
	cfg := DefaultConfig()

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

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
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

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.MaxConcurrency <= 0 {
		errs = append(errs, "engine.max_concurrency must be positive")
	}
	if c.Engine.StepTimeout < 0 || c.Engine.CancelGrace < 0 || c.Engine.LockHeartbeat < 0 {
		errs = append(errs, "engine durations must not be negative")
	}
	if c.Engine.LockTTL <= 0 {
		errs = append(errs, "engine.lock_ttl must be positive")
	} else if c.Engine.LockHeartbeat > 0 && c.Engine.LockHeartbeat >= c.Engine.LockTTL {
		errs = append(errs, "engine.lock_heartbeat must be shorter than engine.lock_ttl")
	}
	if c.Engine.DispatchRate < 0 {
		errs = append(errs, "engine.dispatch_rate must not be negative")
	}

	if c.Resolver.MaxDepth < 1 {
		errs = append(errs, "resolver.max_depth must be at least 1")
	}

	if _, err := c.Retry.Policy(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := c.Budget.GuardConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Approval.Timeout <= 0 {
		errs = append(errs, "approval.timeout must be positive")
	}
	if _, err := approval.ParseDecision(c.Approval.DefaultDecision); err != nil {
		errs = append(errs, "approval.default_decision: "+err.Error())
	}

	switch c.SpecStore.Driver {
	case "file":
		if c.SpecStore.Dir == "" {
			errs = append(errs, "spec_store.dir is required for the file driver")
		}
	case "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown spec_store.driver %q", c.SpecStore.Driver))
	}

	switch c.EventLog.Driver {
	case "none", "memory", "redis", "database":
	default:
		errs = append(errs, fmt.Sprintf("unknown event_log.driver %q", c.EventLog.Driver))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Policy 转换为 retry.Policy 并校验
func (r RetryConfig) Policy() (retry.Policy, error) {
	p := retry.Policy{
		Strategy:       retry.Strategy(r.Strategy),
		MaxAttempts:    r.MaxAttempts,
		InitialDelay:   r.InitialDelay,
		MaxDelay:       r.MaxDelay,
		Multiplier:     r.Multiplier,
		JitterFraction: r.JitterFraction,
		JitterSeed:     r.JitterSeed,
	}
	for _, c := range r.RetryOn {
		p.RetryOn = append(p.RetryOn, types.ErrorCategory(c))
	}
	if err := p.Validate(); err != nil {
		return retry.Policy{}, err
	}
	return p, nil
}

// GuardConfig 转换为 budget.Config，Limit 为空表示不限额
func (b BudgetConfig) GuardConfig() (budget.Config, error) {
	out := budget.Config{AlertThreshold: b.AlertThreshold}
	if b.AlertThreshold < 0 || b.AlertThreshold > 1 {
		return out, fmt.Errorf("budget.alert_threshold must be between 0 and 1, got %g", b.AlertThreshold)
	}
	if strings.TrimSpace(b.Limit) == "" {
		return out, nil
	}
	limit, err := decimal.NewFromString(strings.TrimSpace(b.Limit))
	if err != nil {
		return out, fmt.Errorf("budget.limit %q is not a decimal: %w", b.Limit, err)
	}
	if limit.IsNegative() {
		return out, fmt.Errorf("budget.limit must not be negative, got %s", limit)
	}
	out.Limit = decimal.NewNullDecimal(limit)
	return out, nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
