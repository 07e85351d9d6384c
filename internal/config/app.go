package config

import "time"

// App is the process-level configuration shared by cmd/server and cmd/navi.
type App struct {
	Addr          string
	RoutesFile    string
	WorkspaceBase string

	DefaultRoute         string
	MaxIterations        int
	ContextTimeout       time.Duration
	ContextChunks        int
	VerifyTimeout        time.Duration
	DefaultVerifyCommand string

	RAGEnabled          bool
	VerificationEnabled bool
	MemoryEnabled       bool

	DatabaseURL       string
	EmbeddingProvider string
	Tokenizer         string

	HeartbeatInterval time.Duration
	RouterCooldown    time.Duration
	RouterHopDelay    time.Duration
	MetricsStdout     bool

	// Sandbox selects where commands run: "host" or "docker".
	Sandbox        string
	SandboxImage   string
	SandboxMemMB   int
	SandboxNetwork bool
}

// Load reads NAVI_* variables. PORT is honoured for hosted environments.
func Load() App {
	l := NewLoader("NAVI")
	addr := l.String("ADDR", ":8080")
	if port := NewLoader("").String("PORT", ""); port != "" {
		addr = ":" + port
	}
	return App{
		Addr:                 addr,
		RoutesFile:           l.String("ROUTES_FILE", ""),
		WorkspaceBase:        l.String("WORKSPACE_BASE", ""),
		DefaultRoute:         l.String("DEFAULT_ROUTE", "code"),
		MaxIterations:        l.Int("MAX_ITERATIONS", 10),
		ContextTimeout:       l.Duration("CONTEXT_TIMEOUT", 10*time.Second),
		ContextChunks:        l.Int("CONTEXT_CHUNKS", 8),
		VerifyTimeout:        l.Duration("VERIFY_TIMEOUT", 2*time.Minute),
		DefaultVerifyCommand: l.String("VERIFY_COMMAND", ""),
		RAGEnabled:           l.Bool("RAG_ENABLED", true),
		VerificationEnabled:  l.Bool("VERIFICATION_ENABLED", true),
		MemoryEnabled:        l.Bool("MEMORY_ENABLED", false),
		DatabaseURL:          l.String("DATABASE_URL", ""),
		EmbeddingProvider:    l.String("EMBEDDINGS", "hash"),
		Tokenizer:            l.String("TOKENIZER", "heuristic"),
		HeartbeatInterval:    l.Duration("HEARTBEAT", 15*time.Second),
		RouterCooldown:       l.Duration("ROUTER_COOLDOWN", 30*time.Second),
		RouterHopDelay:       l.Duration("ROUTER_HOP_DELAY", 0),
		MetricsStdout:        l.Bool("METRICS_STDOUT", false),
		Sandbox:              l.String("SANDBOX", "host"),
		SandboxImage:         l.String("SANDBOX_IMAGE", "alpine:3.20"),
		SandboxMemMB:         l.Int("SANDBOX_MEMORY_MB", 1024),
		SandboxNetwork:       l.Bool("SANDBOX_NETWORK", false),
	}
}
