package config

// DefaultConfig returns the built-in defaults. User YAML is merged on top;
// any field left unset falls back to these values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WSWriteTimeoutMs: 10_000,
		},
		Sandbox: SandboxConfig{
			MaxRetries:              3,
			CreateTimeoutMs:         60_000,
			ConnectTimeoutMs:        15_000,
			LivenessProbeTimeoutMs:  2_000,
			DefaultCommandTimeoutMs: 60_000,
			InstallTimeoutMs:        120_000,
		},
		DevServer: DevServerConfig{
			Ports:              []int{3000, 3001, 3002, 3003, 3004, 3005},
			StatusCacheTtlMs:   1_500,
			ReadyTimeoutMs:     15_000,
			PortProbeTimeoutMs: 2_000,
		},
		Agent: AgentConfig{
			MaxSteps:              0, // unbounded; production deployments should set one
			CompressMessagesAbove: 30,
			CompressKeepTail:      20,
			MaxToolHistory:        50,
			MaxErrorHistory:       20,
		},
		LLM: LLMConfig{
			Model:     "gpt-5",
			APIKeyEnv: "LLM_API_KEY",
		},
	}
}
