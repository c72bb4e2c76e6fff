package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var relayEnvKeys = []string{
	"RELAY_ADDR",
	"RELAY_PUBLIC_URL",
	"RELAY_LOG_LEVEL",
	"RELAY_LOG_FORMAT",
	"RELAY_AGENT_PROVIDER",
	"GEMINI_API_KEY",
	"RELAY_GEMINI_MODEL",
	"OPENAI_API_KEY",
	"RELAY_OPENAI_MODEL",
	"RELAY_OPENAI_BASE_URL",
	"RELAY_OPENAI_MAX_TOKENS",
	"RELAY_SYSTEM_PROMPT",
	"RELAY_AGENT_PROFILE",
	"RELAY_WELCOME_GREETING",
	"RELAY_VOICE",
	"RELAY_LANGUAGE",
	"RELAY_TTS_PROVIDER",
	"RELAY_TRANSCRIPTION_PROVIDER",
	"RELAY_CONNECT_ACTION_URL",
	"RELAY_HINTS",
	"TWILIO_AUTH_TOKEN",
	"RELAY_VALIDATE_TWILIO_SIGNATURE",
	"RELAY_MAX_MESSAGE_BYTES",
	"RELAY_WS_PING_INTERVAL",
	"RELAY_WS_WRITE_TIMEOUT",
	"RELAY_WS_READ_TIMEOUT",
	"RELAY_MAX_SESSION_DURATION",
	"RELAY_TURN_TIMEOUT",
	"RELAY_OUTBOUND_QUEUE_SIZE",
	"RELAY_DTMF_AS_PROMPT",
	"RELAY_FALLBACK_MESSAGE",
	"RELAY_TOKEN_LANG",
	"RELAY_MAX_CONCURRENT_CALLS",
	"RELAY_WEBHOOK_RPS",
	"RELAY_WEBHOOK_BURST",
	"RELAY_STORE",
	"DATABASE_URL",
	"RELAY_FIRESTORE_PROJECT_ID",
	"GOOGLE_APPLICATION_CREDENTIALS",
	"FIREBASE_CREDENTIALS_JSON",
	"RELAY_FIRESTORE_COLLECTION",
	"RELAY_STORE_TIMEOUT",
	"NATS_URL",
	"RELAY_NATS_SUBJECT",
	"RELAY_METRICS_NAMESPACE",
	"RELAY_READ_HEADER_TIMEOUT",
	"RELAY_SHUTDOWN_GRACE_PERIOD",
}

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range relayEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("GEMINI_API_KEY", "g-test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.AgentProvider != AgentProviderGemini {
		t.Fatalf("AgentProvider = %q, want gemini", cfg.AgentProvider)
	}
	if cfg.Language != "en-US" {
		t.Fatalf("Language = %q, want en-US", cfg.Language)
	}
	if cfg.ValidateTwilioSignature {
		t.Fatalf("ValidateTwilioSignature = true, want false without auth token")
	}
	if cfg.RelayMaxMessageBytes != 64*1024 {
		t.Fatalf("RelayMaxMessageBytes = %d, want 65536", cfg.RelayMaxMessageBytes)
	}
	if cfg.RelayWSPingInterval != 20*time.Second {
		t.Fatalf("RelayWSPingInterval = %v, want 20s", cfg.RelayWSPingInterval)
	}
	if cfg.RelayWSWriteTimeout != 5*time.Second {
		t.Fatalf("RelayWSWriteTimeout = %v, want 5s", cfg.RelayWSWriteTimeout)
	}
	if cfg.RelayWSReadTimeout != 0 {
		t.Fatalf("RelayWSReadTimeout = %v, want 0", cfg.RelayWSReadTimeout)
	}
	if cfg.RelayMaxSessionDuration != time.Hour {
		t.Fatalf("RelayMaxSessionDuration = %v, want 1h", cfg.RelayMaxSessionDuration)
	}
	if cfg.RelayTurnTimeout != 30*time.Second {
		t.Fatalf("RelayTurnTimeout = %v, want 30s", cfg.RelayTurnTimeout)
	}
	if cfg.RelayOutboundQueueSize != 128 {
		t.Fatalf("RelayOutboundQueueSize = %d, want 128", cfg.RelayOutboundQueueSize)
	}
	if cfg.StoreBackend != StoreMemory {
		t.Fatalf("StoreBackend = %q, want memory", cfg.StoreBackend)
	}
	if cfg.MaxConcurrentCalls != 0 || cfg.WebhookRPS != 0 || cfg.WebhookBurst != 3 {
		t.Fatalf("admission = %d/%v/%d, want 0/0/3", cfg.MaxConcurrentCalls, cfg.WebhookRPS, cfg.WebhookBurst)
	}
	if cfg.NATSSubject != "relay.call.completed" {
		t.Fatalf("NATSSubject = %q", cfg.NATSSubject)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_ADDR", ":9090")
	t.Setenv("RELAY_PUBLIC_URL", "https://relay.example.com/")
	t.Setenv("RELAY_AGENT_PROVIDER", "OpenAI")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("RELAY_TURN_TIMEOUT", "10s")
	t.Setenv("RELAY_DTMF_AS_PROMPT", "yes")
	t.Setenv("RELAY_HINTS", "Acme, , order number")
	t.Setenv("RELAY_LOG_FORMAT", "JSON")
	t.Setenv("RELAY_MAX_CONCURRENT_CALLS", "25")
	t.Setenv("RELAY_WEBHOOK_RPS", "0.5")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.PublicURL != "https://relay.example.com" {
		t.Fatalf("PublicURL = %q, want trailing slash trimmed", cfg.PublicURL)
	}
	if cfg.AgentProvider != AgentProviderOpenAI {
		t.Fatalf("AgentProvider = %q, want openai", cfg.AgentProvider)
	}
	if !cfg.ValidateTwilioSignature {
		t.Fatalf("ValidateTwilioSignature = false, want true when auth token set")
	}
	if cfg.RelayTurnTimeout != 10*time.Second {
		t.Fatalf("RelayTurnTimeout = %v, want 10s", cfg.RelayTurnTimeout)
	}
	if !cfg.RelayDTMFAsPrompt {
		t.Fatalf("RelayDTMFAsPrompt = false, want true")
	}
	if strings.Join(cfg.Hints, "|") != "Acme|order number" {
		t.Fatalf("Hints = %#v", cfg.Hints)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.MaxConcurrentCalls != 25 || cfg.WebhookRPS != 0.5 {
		t.Fatalf("MaxConcurrentCalls = %d WebhookRPS = %v", cfg.MaxConcurrentCalls, cfg.WebhookRPS)
	}
}

func TestLoadFromEnv_InvalidValueFallsBackToDefault(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("GEMINI_API_KEY", "g-test")
	t.Setenv("RELAY_WS_PING_INTERVAL", "soon")
	t.Setenv("RELAY_OUTBOUND_QUEUE_SIZE", "many")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.RelayWSPingInterval != 20*time.Second {
		t.Fatalf("RelayWSPingInterval = %v, want 20s", cfg.RelayWSPingInterval)
	}
	if cfg.RelayOutboundQueueSize != 128 {
		t.Fatalf("RelayOutboundQueueSize = %d, want 128", cfg.RelayOutboundQueueSize)
	}
}

func TestLoadFromEnv_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "missing gemini key",
			env:  map[string]string{},
			want: "GEMINI_API_KEY",
		},
		{
			name: "missing openai key",
			env:  map[string]string{"RELAY_AGENT_PROVIDER": "openai"},
			want: "OPENAI_API_KEY",
		},
		{
			name: "unknown provider",
			env:  map[string]string{"RELAY_AGENT_PROVIDER": "llama"},
			want: "RELAY_AGENT_PROVIDER",
		},
		{
			name: "postgres without dsn",
			env:  map[string]string{"GEMINI_API_KEY": "g", "RELAY_STORE": "postgres"},
			want: "DATABASE_URL",
		},
		{
			name: "firestore without project",
			env:  map[string]string{"GEMINI_API_KEY": "g", "RELAY_STORE": "firestore"},
			want: "RELAY_FIRESTORE_PROJECT_ID",
		},
		{
			name: "unknown store",
			env:  map[string]string{"GEMINI_API_KEY": "g", "RELAY_STORE": "redis"},
			want: "RELAY_STORE",
		},
		{
			name: "signature validation without token",
			env:  map[string]string{"GEMINI_API_KEY": "g", "RELAY_VALIDATE_TWILIO_SIGNATURE": "true"},
			want: "TWILIO_AUTH_TOKEN",
		},
		{
			name: "bad public url",
			env:  map[string]string{"GEMINI_API_KEY": "g", "RELAY_PUBLIC_URL": "relay.example.com"},
			want: "RELAY_PUBLIC_URL",
		},
		{
			name: "zero ping interval",
			env:  map[string]string{"GEMINI_API_KEY": "g", "RELAY_WS_PING_INTERVAL": "0s"},
			want: "RELAY_WS_PING_INTERVAL",
		},
		{
			name: "negative turn timeout",
			env:  map[string]string{"GEMINI_API_KEY": "g", "RELAY_TURN_TIMEOUT": "-1s"},
			want: "RELAY_TURN_TIMEOUT",
		},
		{
			name: "negative call cap",
			env:  map[string]string{"GEMINI_API_KEY": "g", "RELAY_MAX_CONCURRENT_CALLS": "-1"},
			want: "RELAY_MAX_CONCURRENT_CALLS",
		},
		{
			name: "bad log format",
			env:  map[string]string{"GEMINI_API_KEY": "g", "RELAY_LOG_FORMAT": "xml"},
			want: "RELAY_LOG_FORMAT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearRelayEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoadProfile_YAMLAndApply(t *testing.T) {
	clearRelayEnv(t)
	path := filepath.Join(t.TempDir(), "agent.yaml")
	data := "system_prompt: You are a concise phone assistant.\n" +
		"welcome_greeting: Hi, how can I help?\n" +
		"voice: en-US-Journey-O\n" +
		"language: en-GB\n" +
		"hints:\n  - Acme\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.SystemPrompt != "You are a concise phone assistant." {
		t.Fatalf("SystemPrompt = %q", p.SystemPrompt)
	}

	cfg := Config{SystemPrompt: "from env", Language: "en-US"}
	cfg.ApplyProfile(p)
	if cfg.SystemPrompt != "from env" {
		t.Fatalf("SystemPrompt = %q, want env value kept", cfg.SystemPrompt)
	}
	if cfg.WelcomeGreeting != "Hi, how can I help?" {
		t.Fatalf("WelcomeGreeting = %q", cfg.WelcomeGreeting)
	}
	if cfg.Voice != "en-US-Journey-O" {
		t.Fatalf("Voice = %q", cfg.Voice)
	}
	if cfg.Language != "en-GB" {
		t.Fatalf("Language = %q, want profile language when env unset", cfg.Language)
	}
	if len(cfg.Hints) != 1 || cfg.Hints[0] != "Acme" {
		t.Fatalf("Hints = %#v", cfg.Hints)
	}
}

func TestLoadProfile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	if err := os.WriteFile(path, []byte(`{"fallback_message":"One moment."}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.FallbackMessage != "One moment." {
		t.Fatalf("FallbackMessage = %q", p.FallbackMessage)
	}
}

func TestLoadProfile_EmptyPathAndBadExtension(t *testing.T) {
	p, err := LoadProfile("  ")
	if err != nil || p != nil {
		t.Fatalf("LoadProfile(empty) = %v, %v; want nil, nil", p, err)
	}

	path := filepath.Join(t.TempDir(), "agent.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadProfile(path); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("err=%v, want unsupported format", err)
	}
}
