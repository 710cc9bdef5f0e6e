// Package config loads and validates AppForge configuration from YAML files
// and the environment.
package config

import "time"

// Config is the fully-merged, validated runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	DevServer DevServerConfig `yaml:"dev_server"`
	Agent     AgentConfig     `yaml:"agent"`
	LLM       LLMConfig       `yaml:"llm"`
	Redis     *RedisConfig    `yaml:"redis,omitempty"`
}

// ServerConfig holds HTTP surface settings.
type ServerConfig struct {
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`
	WSWriteTimeoutMs int      `yaml:"ws_write_timeout_ms,omitempty"`
}

// SandboxConfig holds VM lifecycle settings.
type SandboxConfig struct {
	// VMTemplateID selects a pre-built provider template to shorten cold start.
	// Empty means a bare VM.
	VMTemplateID string `yaml:"vm_template_id,omitempty"`

	MaxRetries              int `yaml:"max_retries,omitempty"`
	CreateTimeoutMs         int `yaml:"create_timeout_ms,omitempty"`
	ConnectTimeoutMs        int `yaml:"connect_timeout_ms,omitempty"`
	LivenessProbeTimeoutMs  int `yaml:"liveness_probe_timeout_ms,omitempty"`
	DefaultCommandTimeoutMs int `yaml:"default_command_timeout_ms,omitempty"`
	InstallTimeoutMs        int `yaml:"install_timeout_ms,omitempty"`
}

// DevServerConfig holds dev-server supervisor settings.
type DevServerConfig struct {
	Ports            []int `yaml:"ports,omitempty"`
	StatusCacheTtlMs int   `yaml:"status_cache_ttl_ms,omitempty"`
	ReadyTimeoutMs   int   `yaml:"ready_timeout_ms,omitempty"`
	PortProbeTimeoutMs int `yaml:"port_probe_timeout_ms,omitempty"`
}

// AgentConfig holds orchestrator settings.
type AgentConfig struct {
	// MaxSteps is the soft per-turn step cap. 0 means unbounded.
	MaxSteps int `yaml:"max_steps,omitempty"`

	CompressMessagesAbove int `yaml:"compress_messages_above,omitempty"`
	CompressKeepTail      int `yaml:"compress_keep_tail,omitempty"`
	MaxToolHistory        int `yaml:"max_tool_history,omitempty"`
	MaxErrorHistory       int `yaml:"max_error_history,omitempty"`
}

// LLMConfig holds the LLM provider connection settings. The API key is never
// stored in YAML; APIKeyEnv names the environment variable that carries it.
type LLMConfig struct {
	BaseURL   string `yaml:"base_url,omitempty"`
	Model     string `yaml:"model,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// RedisConfig enables the optional hot-read KV cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Duration helpers. YAML carries milliseconds; callers work in time.Duration.

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c SandboxConfig) CreateTimeout() time.Duration         { return ms(c.CreateTimeoutMs) }
func (c SandboxConfig) ConnectTimeout() time.Duration        { return ms(c.ConnectTimeoutMs) }
func (c SandboxConfig) LivenessProbeTimeout() time.Duration  { return ms(c.LivenessProbeTimeoutMs) }
func (c SandboxConfig) DefaultCommandTimeout() time.Duration { return ms(c.DefaultCommandTimeoutMs) }
func (c SandboxConfig) InstallTimeout() time.Duration        { return ms(c.InstallTimeoutMs) }

func (c DevServerConfig) StatusCacheTTL() time.Duration   { return ms(c.StatusCacheTtlMs) }
func (c DevServerConfig) ReadyTimeout() time.Duration     { return ms(c.ReadyTimeoutMs) }
func (c DevServerConfig) PortProbeTimeout() time.Duration { return ms(c.PortProbeTimeoutMs) }

func (c ServerConfig) WSWriteTimeout() time.Duration { return ms(c.WSWriteTimeoutMs) }
