// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"github.com/kb-console/go-task-engine/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 任务队列
	QueueConcurrency int `env:"QUEUE_CONCURRENCY" default:"3" min:"1"`
	QueueMaxRetries  int `env:"QUEUE_MAX_RETRIES" default:"3" min:"0"`
	BackoffBaseMs    int `env:"BACKOFF_BASE_MS" default:"1000" min:"0"`
	BackoffMaxMs     int `env:"BACKOFF_MAX_MS" default:"30000" min:"0"`

	// 控制台 API (executor 调用的上游路由)
	ConsoleAPIBaseURL string `env:"CONSOLE_API_BASE_URL" default:"http://127.0.0.1:3000"`
	HTTPTimeoutSec    int    `env:"HTTP_TIMEOUT_SEC" default:"120" min:"1"`

	// RAGFlow
	RAGFlowBaseURL  string `env:"RAGFLOW_BASE_URL"`
	RAGFlowAPIKey   string `env:"RAGFLOW_API_KEY"`
	RAGFlowJWTToken string `env:"RAGFLOW_JWT_TOKEN"`

	// 文档状态轮询
	PollIntervalMs int `env:"POLL_INTERVAL_MS" default:"3000" min:"50"`

	// PostgreSQL (留空时使用内存 store, 任务不跨重启恢复)
	PostgresConnStr     string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema      string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`

	// HTTP 服务
	ListenAddr string `env:"LISTEN_ADDR" default:":8090"`

	// 任务清理 (对应 store 端 TTL/容量回收)
	TaskTTLHours int `env:"TASK_TTL_HOURS" default:"24" min:"1"`
	TaskMaxKeep  int `env:"TASK_MAX_KEEP" default:"1000" min:"1"`

	// 日志
	Env      string `env:"APP_ENV" default:"production"`
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}
