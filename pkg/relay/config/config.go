package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AgentProvider string

const (
	AgentProviderGemini AgentProvider = "gemini"
	AgentProviderOpenAI AgentProvider = "openai"
)

type StoreBackend string

const (
	StoreNone      StoreBackend = "none"
	StoreMemory    StoreBackend = "memory"
	StoreFirestore StoreBackend = "firestore"
	StorePostgres  StoreBackend = "postgres"
)

type Config struct {
	Addr string

	// PublicURL is the externally reachable base URL (https://host). Used to
	// build the relay websocket URL in TwiML and to validate Twilio
	// signatures. When empty it is derived from the request.
	PublicURL string

	LogLevel  string
	LogFormat string

	// Agent
	AgentProvider    AgentProvider
	GeminiAPIKey     string
	GeminiModel      string
	OpenAIAPIKey     string
	OpenAIModel      string
	OpenAIBaseURL    string
	OpenAIMaxTokens  int
	SystemPrompt     string
	AgentProfilePath string

	// ConversationRelay attributes rendered into TwiML.
	WelcomeGreeting       string
	Voice                 string
	Language              string
	TTSProvider           string
	TranscriptionProvider string
	ConnectActionURL      string
	Hints                 []string

	// Twilio webhook signature validation.
	TwilioAuthToken         string
	ValidateTwilioSignature bool

	// Relay websocket (/v1/relay).
	RelayMaxMessageBytes    int64
	RelayWSPingInterval     time.Duration
	RelayWSWriteTimeout     time.Duration
	RelayWSReadTimeout      time.Duration
	RelayMaxSessionDuration time.Duration
	RelayTurnTimeout        time.Duration
	RelayOutboundQueueSize  int
	RelayDTMFAsPrompt       bool
	RelayFallbackMessage    string
	RelayLang               string

	// Call admission. Zero disables each limit.
	MaxConcurrentCalls int
	WebhookRPS         float64
	WebhookBurst       int

	// Transcript persistence.
	StoreBackend             StoreBackend
	DatabaseURL              string
	FirestoreProjectID       string
	FirestoreCredentialsFile string
	FirestoreCredentialsJSON string
	FirestoreCollection      string
	StoreTimeout             time.Duration

	// Call-completed events.
	NATSURL     string
	NATSSubject string

	MetricsNamespace string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                     envOr("RELAY_ADDR", ":8080"),
		PublicURL:                strings.TrimRight(envOr("RELAY_PUBLIC_URL", ""), "/"),
		LogLevel:                 strings.ToLower(envOr("RELAY_LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(envOr("RELAY_LOG_FORMAT", "text")),
		AgentProvider:            AgentProvider(strings.ToLower(envOr("RELAY_AGENT_PROVIDER", string(AgentProviderGemini)))),
		GeminiAPIKey:             envOr("GEMINI_API_KEY", ""),
		GeminiModel:              envOr("RELAY_GEMINI_MODEL", "gemini-2.0-flash"),
		OpenAIAPIKey:             envOr("OPENAI_API_KEY", ""),
		OpenAIModel:              envOr("RELAY_OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:            envOr("RELAY_OPENAI_BASE_URL", ""),
		OpenAIMaxTokens:          envIntOr("RELAY_OPENAI_MAX_TOKENS", 0),
		SystemPrompt:             envOr("RELAY_SYSTEM_PROMPT", ""),
		AgentProfilePath:         envOr("RELAY_AGENT_PROFILE", ""),
		WelcomeGreeting:          envOr("RELAY_WELCOME_GREETING", ""),
		Voice:                    envOr("RELAY_VOICE", ""),
		Language:                 envOr("RELAY_LANGUAGE", "en-US"),
		TTSProvider:              envOr("RELAY_TTS_PROVIDER", ""),
		TranscriptionProvider:    envOr("RELAY_TRANSCRIPTION_PROVIDER", ""),
		ConnectActionURL:         envOr("RELAY_CONNECT_ACTION_URL", ""),
		Hints:                    splitCSV(os.Getenv("RELAY_HINTS")),
		TwilioAuthToken:          envOr("TWILIO_AUTH_TOKEN", ""),
		RelayMaxMessageBytes:     envInt64Or("RELAY_MAX_MESSAGE_BYTES", 64*1024),
		RelayWSPingInterval:      envDurationOr("RELAY_WS_PING_INTERVAL", 20*time.Second),
		RelayWSWriteTimeout:      envDurationOr("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		RelayWSReadTimeout:       envDurationOr("RELAY_WS_READ_TIMEOUT", 0),
		RelayMaxSessionDuration:  envDurationOr("RELAY_MAX_SESSION_DURATION", time.Hour),
		RelayTurnTimeout:         envDurationOr("RELAY_TURN_TIMEOUT", 30*time.Second),
		RelayOutboundQueueSize:   envIntOr("RELAY_OUTBOUND_QUEUE_SIZE", 128),
		RelayDTMFAsPrompt:        envBoolOr("RELAY_DTMF_AS_PROMPT", false),
		RelayFallbackMessage:     envOr("RELAY_FALLBACK_MESSAGE", ""),
		RelayLang:                envOr("RELAY_TOKEN_LANG", ""),
		MaxConcurrentCalls:       envIntOr("RELAY_MAX_CONCURRENT_CALLS", 0),
		WebhookRPS:               envFloat64Or("RELAY_WEBHOOK_RPS", 0),
		WebhookBurst:             envIntOr("RELAY_WEBHOOK_BURST", 3),
		StoreBackend:             StoreBackend(strings.ToLower(envOr("RELAY_STORE", string(StoreMemory)))),
		DatabaseURL:              envOr("DATABASE_URL", ""),
		FirestoreProjectID:       envOr("RELAY_FIRESTORE_PROJECT_ID", ""),
		FirestoreCredentialsFile: envOr("GOOGLE_APPLICATION_CREDENTIALS", ""),
		FirestoreCredentialsJSON: envOr("FIREBASE_CREDENTIALS_JSON", ""),
		FirestoreCollection:      envOr("RELAY_FIRESTORE_COLLECTION", "calls"),
		StoreTimeout:             envDurationOr("RELAY_STORE_TIMEOUT", 10*time.Second),
		NATSURL:                  envOr("NATS_URL", ""),
		NATSSubject:              envOr("RELAY_NATS_SUBJECT", "relay.call.completed"),
		MetricsNamespace:         envOr("RELAY_METRICS_NAMESPACE", "relay"),
		ReadHeaderTimeout:        envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:      envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}
	cfg.ValidateTwilioSignature = envBoolOr("RELAY_VALIDATE_TWILIO_SIGNATURE", cfg.TwilioAuthToken != "")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	switch cfg.AgentProvider {
	case AgentProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY must be set when RELAY_AGENT_PROVIDER=gemini")
		}
	case AgentProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY must be set when RELAY_AGENT_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("RELAY_AGENT_PROVIDER must be one of gemini|openai")
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("RELAY_LOG_FORMAT must be one of text|json")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("RELAY_LOG_LEVEL must be one of debug|info|warn|error")
	}

	switch cfg.StoreBackend {
	case StoreNone, StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set when RELAY_STORE=postgres")
		}
	case StoreFirestore:
		if cfg.FirestoreProjectID == "" {
			return fmt.Errorf("RELAY_FIRESTORE_PROJECT_ID must be set when RELAY_STORE=firestore")
		}
		if strings.TrimSpace(cfg.FirestoreCollection) == "" {
			return fmt.Errorf("RELAY_FIRESTORE_COLLECTION must not be empty")
		}
	default:
		return fmt.Errorf("RELAY_STORE must be one of none|memory|firestore|postgres")
	}

	if cfg.PublicURL != "" && !strings.HasPrefix(cfg.PublicURL, "https://") && !strings.HasPrefix(cfg.PublicURL, "http://") {
		return fmt.Errorf("RELAY_PUBLIC_URL must start with http:// or https://")
	}
	if cfg.ValidateTwilioSignature && cfg.TwilioAuthToken == "" {
		return fmt.Errorf("TWILIO_AUTH_TOKEN must be set when RELAY_VALIDATE_TWILIO_SIGNATURE=true")
	}
	if cfg.OpenAIMaxTokens < 0 {
		return fmt.Errorf("RELAY_OPENAI_MAX_TOKENS must be >= 0")
	}
	if cfg.RelayMaxMessageBytes <= 0 {
		return fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.RelayWSPingInterval <= 0 {
		return fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.RelayWSWriteTimeout <= 0 {
		return fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.RelayWSReadTimeout < 0 {
		return fmt.Errorf("RELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.RelayMaxSessionDuration < 0 {
		return fmt.Errorf("RELAY_MAX_SESSION_DURATION must be >= 0")
	}
	if cfg.RelayTurnTimeout < 0 {
		return fmt.Errorf("RELAY_TURN_TIMEOUT must be >= 0")
	}
	if cfg.RelayOutboundQueueSize <= 0 {
		return fmt.Errorf("RELAY_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.MaxConcurrentCalls < 0 {
		return fmt.Errorf("RELAY_MAX_CONCURRENT_CALLS must be >= 0")
	}
	if cfg.WebhookRPS < 0 {
		return fmt.Errorf("RELAY_WEBHOOK_RPS must be >= 0")
	}
	if cfg.WebhookBurst < 0 {
		return fmt.Errorf("RELAY_WEBHOOK_BURST must be >= 0")
	}
	if cfg.StoreTimeout <= 0 {
		return fmt.Errorf("RELAY_STORE_TIMEOUT must be > 0")
	}
	if cfg.NATSURL != "" && strings.TrimSpace(cfg.NATSSubject) == "" {
		return fmt.Errorf("RELAY_NATS_SUBJECT must not be empty when NATS_URL is set")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
