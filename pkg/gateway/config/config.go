package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type AuthMode string

const (
	// AuthModeRequired accepts only tokens listed in VOICEGW_API_KEYS.
	AuthModeRequired AuthMode = "required"
	// AuthModeToken accepts any non-empty bearer token and derives a stable user id from it.
	AuthModeToken AuthMode = "token"
	// AuthModeDisabled treats every caller as the anonymous user.
	AuthModeDisabled AuthMode = "disabled"
)

const (
	STTEngineSimulated = "simulated"
	STTEngineWhisper   = "whisper"

	LLMEngineSimulated = "simulated"
	LLMEngineGemini    = "gemini"

	ArchiveDriverNone     = "none"
	ArchiveDriverSQLite   = "sqlite"
	ArchiveDriverPostgres = "postgres"
)

type Config struct {
	Addr      string `yaml:"addr"`
	LogFormat string `yaml:"log_format"`

	AuthMode AuthMode `yaml:"auth_mode"`
	// token -> user id. Entries without an explicit user use the token hash as the user id.
	APIKeys map[string]string `yaml:"-"`

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// Only enable behind a trusted proxy/LB.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`

	CORSAllowedOrigins map[string]struct{} `yaml:"-"` // empty => disabled

	// Conversation limits.
	MaxAudioBufferBytes int   `yaml:"max_audio_buffer_bytes"`
	MaxAudioChunkBytes  int   `yaml:"max_audio_chunk_bytes"`
	MaxJSONMessageBytes int64 `yaml:"max_json_message_bytes"`

	// Inbound audio.chunk limiter (0 disables a dimension).
	AudioChunksPerSecond int   `yaml:"audio_chunks_per_second"`
	AudioBytesPerSecond  int64 `yaml:"audio_bytes_per_second"`
	InboundBurstSeconds  int   `yaml:"inbound_burst_seconds"`

	// WebSocket connection behavior.
	WSPingInterval               time.Duration `yaml:"ws_ping_interval"`
	WSWriteTimeout               time.Duration `yaml:"ws_write_timeout"`
	WSIdleTimeout                time.Duration `yaml:"ws_idle_timeout"`
	WSMaxDuration                time.Duration `yaml:"ws_max_duration"`
	WSMaxConnectionsPerPrincipal int           `yaml:"ws_max_connections_per_principal"`
	OutboundQueueSize            int           `yaml:"outbound_queue_size"`

	// Producers.
	ProducerTimeout time.Duration `yaml:"producer_timeout"`
	TranscriptPace  time.Duration `yaml:"transcript_pace"`
	ResponsePace    time.Duration `yaml:"response_pace"`

	// Session store eviction; 0 keeps ended sessions for the process lifetime.
	EndedSessionTTL time.Duration `yaml:"ended_session_ttl"`

	STTEngine       string `yaml:"stt_engine"`
	WhisperBaseURL  string `yaml:"whisper_base_url"`
	WhisperAPIKey   string `yaml:"whisper_api_key"`
	WhisperModel    string `yaml:"whisper_model"`
	WhisperFilename string `yaml:"whisper_filename"`
	STTLanguage     string `yaml:"stt_language"`

	LLMEngine    string `yaml:"llm_engine"`
	GeminiAPIKey string `yaml:"gemini_api_key"`
	GeminiModel  string `yaml:"gemini_model"`

	ArchiveDriver string `yaml:"archive_driver"`
	ArchiveDSN    string `yaml:"archive_dsn"`

	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	// In-memory limits (per principal) for the REST surface.
	LimitRPS                   float64 `yaml:"rate_limit_rps"`
	LimitBurst                 int     `yaml:"rate_limit_burst"`
	LimitMaxConcurrentRequests int     `yaml:"max_concurrent_requests"`

	// Operational defaults
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
}

// fileConfig is the YAML shape of VOICEGW_CONFIG_FILE.
type fileConfig struct {
	Config      `yaml:",inline"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Defaults returns the configuration used when neither a config file nor env vars set a value.
func Defaults() Config {
	return Config{
		Addr:                         ":8080",
		LogFormat:                    "text",
		AuthMode:                     AuthModeToken,
		APIKeys:                      make(map[string]string),
		CORSAllowedOrigins:           make(map[string]struct{}),
		MaxAudioBufferBytes:          3 * 1024 * 1024,
		MaxAudioChunkBytes:           256 * 1024,
		MaxJSONMessageBytes:          512 * 1024,
		InboundBurstSeconds:          2,
		WSPingInterval:               20 * time.Second,
		WSWriteTimeout:               5 * time.Second,
		WSIdleTimeout:                2 * time.Minute,
		WSMaxDuration:                time.Hour,
		WSMaxConnectionsPerPrincipal: 4,
		OutboundQueueSize:            64,
		ProducerTimeout:              60 * time.Second,
		TranscriptPace:               120 * time.Millisecond,
		ResponsePace:                 80 * time.Millisecond,
		STTEngine:                    STTEngineSimulated,
		WhisperBaseURL:               "https://api.openai.com/v1",
		WhisperModel:                 "whisper-1",
		WhisperFilename:              "audio.webm",
		LLMEngine:                    LLMEngineSimulated,
		GeminiModel:                  "gemini-2.5-flash",
		ArchiveDriver:                ArchiveDriverNone,
		NATSSubjectPrefix:            "voicegw",
		OTLPInsecure:                 true,
		MetricsEnabled:               true,
		LimitRPS:                     5,
		LimitBurst:                   10,
		LimitMaxConcurrentRequests:   20,
		ReadHeaderTimeout:            10 * time.Second,
		ShutdownGracePeriod:          30 * time.Second,
	}
}

// LoadFromEnv builds the configuration from defaults, an optional YAML file named by
// VOICEGW_CONFIG_FILE, and VOICEGW_* environment variables, in increasing precedence.
func LoadFromEnv() (Config, error) {
	base := Defaults()
	if path := strings.TrimSpace(os.Getenv("VOICEGW_CONFIG_FILE")); path != "" {
		if err := applyFile(&base, path); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		Addr:                         envOr("VOICEGW_ADDR", base.Addr),
		LogFormat:                    envOr("VOICEGW_LOG_FORMAT", base.LogFormat),
		AuthMode:                     AuthMode(envOr("VOICEGW_AUTH_MODE", string(base.AuthMode))),
		APIKeys:                      base.APIKeys,
		TrustProxyHeaders:            envBoolOr("VOICEGW_TRUST_PROXY_HEADERS", base.TrustProxyHeaders),
		CORSAllowedOrigins:           base.CORSAllowedOrigins,
		MaxAudioBufferBytes:          envIntOr("VOICEGW_MAX_AUDIO_BUFFER_BYTES", base.MaxAudioBufferBytes),
		MaxAudioChunkBytes:           envIntOr("VOICEGW_MAX_AUDIO_CHUNK_BYTES", base.MaxAudioChunkBytes),
		MaxJSONMessageBytes:          envInt64Or("VOICEGW_MAX_JSON_MESSAGE_BYTES", base.MaxJSONMessageBytes),
		AudioChunksPerSecond:         envIntOr("VOICEGW_AUDIO_CHUNKS_PER_SECOND", base.AudioChunksPerSecond),
		AudioBytesPerSecond:          envInt64Or("VOICEGW_AUDIO_BYTES_PER_SECOND", base.AudioBytesPerSecond),
		InboundBurstSeconds:          envIntOr("VOICEGW_INBOUND_BURST_SECONDS", base.InboundBurstSeconds),
		WSPingInterval:               envDurationOr("VOICEGW_WS_PING_INTERVAL", base.WSPingInterval),
		WSWriteTimeout:               envDurationOr("VOICEGW_WS_WRITE_TIMEOUT", base.WSWriteTimeout),
		WSIdleTimeout:                envDurationOr("VOICEGW_WS_IDLE_TIMEOUT", base.WSIdleTimeout),
		WSMaxDuration:                envDurationOr("VOICEGW_WS_MAX_DURATION", base.WSMaxDuration),
		WSMaxConnectionsPerPrincipal: envIntOr("VOICEGW_WS_MAX_CONNECTIONS_PER_PRINCIPAL", base.WSMaxConnectionsPerPrincipal),
		OutboundQueueSize:            envIntOr("VOICEGW_OUTBOUND_QUEUE_SIZE", base.OutboundQueueSize),
		ProducerTimeout:              envDurationOr("VOICEGW_PRODUCER_TIMEOUT", base.ProducerTimeout),
		TranscriptPace:               envDurationOr("VOICEGW_TRANSCRIPT_PACE", base.TranscriptPace),
		ResponsePace:                 envDurationOr("VOICEGW_RESPONSE_PACE", base.ResponsePace),
		EndedSessionTTL:              envDurationOr("VOICEGW_ENDED_SESSION_TTL", base.EndedSessionTTL),
		STTEngine:                    envOr("VOICEGW_STT_ENGINE", base.STTEngine),
		WhisperBaseURL:               envOr("VOICEGW_WHISPER_BASE_URL", base.WhisperBaseURL),
		WhisperAPIKey:                envOr("VOICEGW_WHISPER_API_KEY", base.WhisperAPIKey),
		WhisperModel:                 envOr("VOICEGW_WHISPER_MODEL", base.WhisperModel),
		WhisperFilename:              envOr("VOICEGW_WHISPER_FILENAME", base.WhisperFilename),
		STTLanguage:                  envOr("VOICEGW_STT_LANGUAGE", base.STTLanguage),
		LLMEngine:                    envOr("VOICEGW_LLM_ENGINE", base.LLMEngine),
		GeminiAPIKey:                 envOr("VOICEGW_GEMINI_API_KEY", base.GeminiAPIKey),
		GeminiModel:                  envOr("VOICEGW_GEMINI_MODEL", base.GeminiModel),
		ArchiveDriver:                envOr("VOICEGW_ARCHIVE_DRIVER", base.ArchiveDriver),
		ArchiveDSN:                   envOr("VOICEGW_ARCHIVE_DSN", base.ArchiveDSN),
		NATSURL:                      envOr("VOICEGW_NATS_URL", base.NATSURL),
		NATSSubjectPrefix:            envOr("VOICEGW_NATS_SUBJECT_PREFIX", base.NATSSubjectPrefix),
		OTLPEndpoint:                 envOr("VOICEGW_OTLP_ENDPOINT", base.OTLPEndpoint),
		OTLPInsecure:                 envBoolOr("VOICEGW_OTLP_INSECURE", base.OTLPInsecure),
		TraceStdout:                  envBoolOr("VOICEGW_TRACE_STDOUT", base.TraceStdout),
		MetricsEnabled:               envBoolOr("VOICEGW_METRICS_ENABLED", base.MetricsEnabled),
		LimitRPS:                     envFloat64Or("VOICEGW_RATE_LIMIT_RPS", base.LimitRPS),
		LimitBurst:                   envIntOr("VOICEGW_RATE_LIMIT_BURST", base.LimitBurst),
		LimitMaxConcurrentRequests:   envIntOr("VOICEGW_MAX_CONCURRENT_REQUESTS", base.LimitMaxConcurrentRequests),
		ReadHeaderTimeout:            envDurationOr("VOICEGW_READ_HEADER_TIMEOUT", base.ReadHeaderTimeout),
		ShutdownGracePeriod:          envDurationOr("VOICEGW_SHUTDOWN_GRACE_PERIOD", base.ShutdownGracePeriod),
	}

	if raw := os.Getenv("VOICEGW_API_KEYS"); strings.TrimSpace(raw) != "" {
		cfg.APIKeys = parseAPIKeys(splitCSV(raw))
	}
	if raw := os.Getenv("VOICEGW_CORS_ORIGINS"); strings.TrimSpace(raw) != "" {
		cfg.CORSAllowedOrigins = make(map[string]struct{})
		for _, origin := range splitCSV(raw) {
			cfg.CORSAllowedOrigins[origin] = struct{}{}
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting, naming the env var that controls it.
func (cfg Config) Validate() error {
	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeToken, AuthModeDisabled:
	default:
		return fmt.Errorf("VOICEGW_AUTH_MODE must be one of required|token|disabled")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return fmt.Errorf("VOICEGW_API_KEYS must be set when VOICEGW_AUTH_MODE=required")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("VOICEGW_LOG_FORMAT must be one of text|json")
	}

	if cfg.MaxAudioBufferBytes <= 0 {
		return fmt.Errorf("VOICEGW_MAX_AUDIO_BUFFER_BYTES must be > 0")
	}
	if cfg.MaxAudioChunkBytes <= 0 {
		return fmt.Errorf("VOICEGW_MAX_AUDIO_CHUNK_BYTES must be > 0")
	}
	if cfg.MaxAudioChunkBytes > cfg.MaxAudioBufferBytes {
		return fmt.Errorf("VOICEGW_MAX_AUDIO_CHUNK_BYTES must be <= VOICEGW_MAX_AUDIO_BUFFER_BYTES")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return fmt.Errorf("VOICEGW_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.AudioChunksPerSecond < 0 {
		return fmt.Errorf("VOICEGW_AUDIO_CHUNKS_PER_SECOND must be >= 0")
	}
	if cfg.AudioBytesPerSecond < 0 {
		return fmt.Errorf("VOICEGW_AUDIO_BYTES_PER_SECOND must be >= 0")
	}
	if cfg.InboundBurstSeconds < 0 {
		return fmt.Errorf("VOICEGW_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.AudioChunksPerSecond > 0 || cfg.AudioBytesPerSecond > 0) && cfg.InboundBurstSeconds < 1 {
		return fmt.Errorf("VOICEGW_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("VOICEGW_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("VOICEGW_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSIdleTimeout < 0 {
		return fmt.Errorf("VOICEGW_WS_IDLE_TIMEOUT must be >= 0")
	}
	if cfg.WSMaxDuration <= 0 {
		return fmt.Errorf("VOICEGW_WS_MAX_DURATION must be > 0")
	}
	if cfg.WSMaxConnectionsPerPrincipal < 0 {
		return fmt.Errorf("VOICEGW_WS_MAX_CONNECTIONS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return fmt.Errorf("VOICEGW_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.ProducerTimeout < 0 {
		return fmt.Errorf("VOICEGW_PRODUCER_TIMEOUT must be >= 0")
	}
	if cfg.TranscriptPace < 0 {
		return fmt.Errorf("VOICEGW_TRANSCRIPT_PACE must be >= 0")
	}
	if cfg.ResponsePace < 0 {
		return fmt.Errorf("VOICEGW_RESPONSE_PACE must be >= 0")
	}
	if cfg.EndedSessionTTL < 0 {
		return fmt.Errorf("VOICEGW_ENDED_SESSION_TTL must be >= 0")
	}

	switch cfg.STTEngine {
	case STTEngineSimulated:
	case STTEngineWhisper:
		if strings.TrimSpace(cfg.WhisperAPIKey) == "" {
			return fmt.Errorf("VOICEGW_WHISPER_API_KEY must be set when VOICEGW_STT_ENGINE=whisper")
		}
		if strings.TrimSpace(cfg.WhisperBaseURL) == "" {
			return fmt.Errorf("VOICEGW_WHISPER_BASE_URL must not be empty")
		}
	default:
		return fmt.Errorf("VOICEGW_STT_ENGINE must be one of simulated|whisper")
	}
	switch cfg.LLMEngine {
	case LLMEngineSimulated:
	case LLMEngineGemini:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return fmt.Errorf("VOICEGW_GEMINI_API_KEY must be set when VOICEGW_LLM_ENGINE=gemini")
		}
	default:
		return fmt.Errorf("VOICEGW_LLM_ENGINE must be one of simulated|gemini")
	}
	switch cfg.ArchiveDriver {
	case ArchiveDriverNone:
	case ArchiveDriverSQLite, ArchiveDriverPostgres:
		if strings.TrimSpace(cfg.ArchiveDSN) == "" {
			return fmt.Errorf("VOICEGW_ARCHIVE_DSN must be set when VOICEGW_ARCHIVE_DRIVER=%s", cfg.ArchiveDriver)
		}
	default:
		return fmt.Errorf("VOICEGW_ARCHIVE_DRIVER must be one of none|sqlite|postgres")
	}
	if cfg.NATSURL != "" && strings.TrimSpace(cfg.NATSSubjectPrefix) == "" {
		return fmt.Errorf("VOICEGW_NATS_SUBJECT_PREFIX must not be empty when VOICEGW_NATS_URL is set")
	}

	if cfg.LimitRPS < 0 {
		return fmt.Errorf("VOICEGW_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return fmt.Errorf("VOICEGW_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return fmt.Errorf("VOICEGW_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VOICEGW_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VOICEGW_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

func applyFile(base *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("VOICEGW_CONFIG_FILE %q does not exist", path)
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	fc := fileConfig{Config: *base}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	*base = fc.Config
	// Maps are tagged "-" so the inline decode leaves the defaults in place.
	base.APIKeys = make(map[string]string)
	if len(fc.APIKeys) > 0 {
		base.APIKeys = parseAPIKeys(fc.APIKeys)
	}
	base.CORSAllowedOrigins = make(map[string]struct{})
	for _, origin := range fc.CORSOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			base.CORSAllowedOrigins[origin] = struct{}{}
		}
	}
	return nil
}

// parseAPIKeys accepts "token" or "token:user" entries.
func parseAPIKeys(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, user, _ := strings.Cut(entry, ":")
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		out[token] = strings.TrimSpace(user)
	}
	return out
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
