// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
// LoadFile() 在此之上叠加 YAML 配置文件 (支持 ${VAR} 插值)。
package config

import (
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	pkgerr "github.com/studio-run/go-studio-v2/pkg/errors"
	"github.com/studio-run/go-studio-v2/pkg/util"
)

// 流传输层类型。
const (
	TransportSSE = "sse"
	TransportWS  = "ws"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 引擎后端
	BackendBaseURL string `env:"STUDIO_BACKEND_URL" default:"http://127.0.0.1:8787" yaml:"backend_base_url"`
	Transport      string `env:"STUDIO_STREAM_TRANSPORT" default:"sse" yaml:"transport"`
	RPCTimeoutSec  int    `env:"STUDIO_RPC_TIMEOUT_SEC" default:"30" min:"1" yaml:"rpc_timeout_sec"`

	// 流重连 (指数退避)
	ReconnectInitialMS  int `env:"STUDIO_RECONNECT_INITIAL_MS" default:"500" min:"1" yaml:"reconnect_initial_ms"`
	ReconnectMaxMS      int `env:"STUDIO_RECONNECT_MAX_MS" default:"10000" min:"1" yaml:"reconnect_max_ms"`
	HeartbeatTimeoutSec int `env:"STUDIO_HEARTBEAT_TIMEOUT_SEC" default:"45" min:"1" yaml:"heartbeat_timeout_sec"`

	// PostgreSQL
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING" yaml:"postgres_conn_str"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public" yaml:"postgres_schema"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1" yaml:"postgres_pool_min_size"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1" yaml:"postgres_pool_max_size"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1" yaml:"postgres_pool_timeout_sec"`

	// 开发服务器 (dev-server)
	DevServerAddr         string `env:"STUDIO_DEV_SERVER_ADDR" default:"127.0.0.1:8787" yaml:"dev_server_addr"`
	DevServerHeartbeatSec int    `env:"STUDIO_DEV_HEARTBEAT_SEC" default:"15" min:"1" yaml:"dev_server_heartbeat_sec"`
	DevServerScript       string `env:"STUDIO_DEV_SCRIPT" yaml:"dev_server_script"`

	// 引擎侧车进程
	SidecarCommand         string `env:"STUDIO_SIDECAR_CMD" yaml:"sidecar_command"`
	SidecarSpawnTimeoutSec int    `env:"STUDIO_SIDECAR_SPAWN_TIMEOUT_SEC" default:"20" min:"1" yaml:"sidecar_spawn_timeout_sec"`

	// 看门狗
	WatchdogIntervalSec int `env:"STUDIO_WATCHDOG_INTERVAL_SEC" default:"30" min:"5" yaml:"watchdog_interval_sec"`
	WatchdogStaleSec    int `env:"STUDIO_WATCHDOG_STALE_SEC" default:"90" min:"10" yaml:"watchdog_stale_sec"`

	// 转写持久化
	TranscriptEnabled bool `env:"STUDIO_TRANSCRIPT_ENABLED" default:"true" yaml:"transcript_enabled"`

	// 日志
	AppEnv   string `env:"APP_ENV" default:"production" yaml:"app_env"`
	LogLevel string `env:"LOG_LEVEL" default:"INFO" yaml:"log_level"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// LoadFile 在 Load() 的基础上叠加 YAML 配置文件。
//
// 文件中缺省的字段保留 env/default 值; 文件中出现的字段覆盖之。
// 值支持 ${VAR} 环境变量插值, 未定义的变量替换为空串。
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, cfg.Validate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerr.Wrap(err, "Config.LoadFile", "read config file")
	}

	interpolated := interpolateEnv(string(raw))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, pkgerr.Wrap(err, "Config.LoadFile", "parse yaml")
	}

	return cfg, cfg.Validate()
}

// envVarPattern 匹配 ${VAR_NAME} 形式的引用。
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv 将 ${VAR} 替换为对应环境变量的值。
func interpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

// Validate 检查配置的内部一致性。
func (c *Config) Validate() error {
	switch strings.ToLower(c.Transport) {
	case TransportSSE, TransportWS:
	default:
		return pkgerr.Newf("Config.Validate", "unknown transport %q (want sse or ws)", c.Transport)
	}
	if c.ReconnectInitialMS > c.ReconnectMaxMS {
		return pkgerr.Newf("Config.Validate", "reconnect_initial_ms %d > reconnect_max_ms %d",
			c.ReconnectInitialMS, c.ReconnectMaxMS)
	}
	if c.PostgresPoolMinSize > c.PostgresPoolMaxSize {
		return pkgerr.Newf("Config.Validate", "pool min %d > max %d",
			c.PostgresPoolMinSize, c.PostgresPoolMaxSize)
	}
	return nil
}
