package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"wallets-quickstart/internal/auth"
	"wallets-quickstart/internal/toolpolicy"
	"wallets-quickstart/pkg/logger"
)

const (
	// EnvConfigPath 指定配置文件路径的环境变量。
	EnvConfigPath = "APP_CONFIG"
	// EnvToolPolicy 在启动时覆盖配置文件中的工具调用策略。
	EnvToolPolicy = "TOOL_CALL_POLICY"
	// DefaultPath 为未设置 APP_CONFIG 时使用的配置文件。
	DefaultPath = "configs/app.json"
)

// Config 描述了服务在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Redis     RedisConfig     `json:"redis"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	LLM       LLMConfig       `json:"llm"`
	Routing   RoutingConfig   `json:"routing"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Tools     ToolsConfig     `json:"tools"`
	Executor  ExecutorConfig  `json:"executor"`
	Logging   logger.Config   `json:"logging"`
	Alerting  AlertingConfig  `json:"alerting"`
	Auth      auth.Config     `json:"auth"`

	// ToolPolicy 是 tools.policy 与环境变量合并后的最终结果，启动后不再变化。
	ToolPolicy toolpolicy.Policy `json:"-"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string `json:"address"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
	RequestTimeoutSecs  int    `json:"request_timeout_seconds"`
}

// StorageConfig 描述工作流与任务的持久化后端。
type StorageConfig struct {
	Workflow  StoreConfig `json:"workflow"`
	TaskStore StoreConfig `json:"task_store"`
}

// StoreConfig 支持 memory 与 mysql 两种驱动。
type StoreConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds"`
	// CacheTTLSeconds 大于 0 时在 Redis 中缓存读取结果。
	CacheTTLSeconds int `json:"cache_ttl_seconds"`
}

// RedisConfig 描述 Redis 连接池注册表。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	PoolSize int    `json:"pool_size"`
	CacheDB  int    `json:"cache_db"`
	QueueDB  int    `json:"queue_db"`
	// DBs 需要预先建立连接池的全部库编号，CacheDB 与 QueueDB 会自动加入。
	DBs []int `json:"dbs"`
}

// Enabled 判断是否配置了 Redis。
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Address) != ""
}

// TaskQueueConfig 描述异步对话任务的队列实现。
type TaskQueueConfig struct {
	Driver          string `json:"driver"`
	Name            string `json:"name"`
	URL             string `json:"url"`
	Workers         int    `json:"workers"`
	MaxAttempts     int    `json:"max_attempts"`
	BufferSize      int    `json:"buffer_size"`
	ExecTimeoutSecs int    `json:"exec_timeout_seconds"`
	// FallbackReply 非空时，终止失败的任务以该话术降级完成。
	FallbackReply string `json:"fallback_reply"`
	// MaxInputRunes 限制异步任务的输入长度，0 使用默认值。
	MaxInputRunes int `json:"max_input_runes"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`

	Python PythonBridgeConfig `json:"python_bridge"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// ResolvedAPIKey 优先使用显式配置，否则读取环境变量。
func (l LLMConfig) ResolvedAPIKey() string {
	if key := strings.TrimSpace(l.APIKey); key != "" {
		return key
	}
	if l.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(l.APIKeyEnv))
}

// RoutingConfig 描述规则与关键词词表的位置以及模型路由的超时。
type RoutingConfig struct {
	LexiconPath         string `json:"lexicon_path"`
	MaxChineseChars     int    `json:"max_chinese_chars"`
	MaxASCIIChars       int    `json:"max_ascii_chars"`
	ModelTimeoutSeconds int    `json:"model_timeout_seconds"`
}

// KnowledgeConfig 选择本地静态知识库或远程检索服务。
type KnowledgeConfig struct {
	Path           string `json:"path"`
	Endpoint       string `json:"endpoint"`
	MaxResults     int    `json:"max_results"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ToolsConfig 描述工具调用策略以及业务服务地址。
type ToolsConfig struct {
	Policy   string            `json:"policy"`
	Services map[string]string `json:"services"`
}

// ExecutorConfig 控制工作流执行器的默认行为。
type ExecutorConfig struct {
	RetryDelayMillis     int `json:"retry_delay_ms"`
	DefaultTimeoutMillis int `json:"default_timeout_ms"`
	MaxParallel          int `json:"max_parallel"`
}

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	Webhooks []WebhookConfig `json:"webhooks"`
}

// WebhookConfig 描述单个 Webhook 通知地址。
type WebhookConfig struct {
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// PathFromEnv 返回 APP_CONFIG 指定的路径，未设置时返回默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.resolveToolPolicy(os.Getenv(EnvToolPolicy)); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) resolveToolPolicy(override string) error {
	raw := c.Tools.Policy
	if strings.TrimSpace(override) != "" {
		raw = override
	}
	policy, err := toolpolicy.ParsePolicy(raw)
	if err != nil {
		return fmt.Errorf("解析工具调用策略失败: %w", err)
	}
	c.ToolPolicy = policy
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 60
	}
	if c.Server.RequestTimeoutSecs <= 0 {
		c.Server.RequestTimeoutSecs = 45
	}

	if c.Storage.Workflow.Driver == "" {
		c.Storage.Workflow.Driver = "memory"
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}

	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.QueueDB == 0 && c.Redis.CacheDB == 0 {
		c.Redis.QueueDB = 1
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Name == "" {
		c.TaskQueue.Name = "chat_tasks"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 2
	}
	if c.TaskQueue.MaxAttempts <= 0 {
		c.TaskQueue.MaxAttempts = 3
	}
	if c.TaskQueue.BufferSize <= 0 {
		c.TaskQueue.BufferSize = 64
	}
	if c.TaskQueue.ExecTimeoutSecs <= 0 {
		c.TaskQueue.ExecTimeoutSecs = 60
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolvePath(baseDir, c.LLM.Python.WorkingDir)
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}

	c.Routing.LexiconPath = resolvePath(baseDir, c.Routing.LexiconPath)
	if c.Routing.ModelTimeoutSeconds <= 0 {
		c.Routing.ModelTimeoutSeconds = 10
	}

	c.Knowledge.Path = resolvePath(baseDir, c.Knowledge.Path)
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
	if c.Knowledge.TimeoutSeconds <= 0 {
		c.Knowledge.TimeoutSeconds = 10
	}

	if c.Executor.RetryDelayMillis < 0 {
		c.Executor.RetryDelayMillis = 0
	} else if c.Executor.RetryDelayMillis == 0 {
		c.Executor.RetryDelayMillis = 200
	}
	if c.Executor.DefaultTimeoutMillis <= 0 {
		c.Executor.DefaultTimeoutMillis = 15000
	}
	if c.Executor.MaxParallel <= 0 {
		c.Executor.MaxParallel = 4
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	}
}

func resolvePath(baseDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
