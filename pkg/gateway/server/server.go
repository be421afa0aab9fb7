package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/vango-go/voicegw/pkg/core/voice/llm"
	"github.com/vango-go/voicegw/pkg/core/voice/stt"
	"github.com/vango-go/voicegw/pkg/gateway/archive"
	"github.com/vango-go/voicegw/pkg/gateway/auth"
	"github.com/vango-go/voicegw/pkg/gateway/config"
	"github.com/vango-go/voicegw/pkg/gateway/events"
	"github.com/vango-go/voicegw/pkg/gateway/handlers"
	"github.com/vango-go/voicegw/pkg/gateway/live/manager"
	"github.com/vango-go/voicegw/pkg/gateway/live/pipeline"
	"github.com/vango-go/voicegw/pkg/gateway/live/protocol"
	"github.com/vango-go/voicegw/pkg/gateway/live/sessions"
	"github.com/vango-go/voicegw/pkg/gateway/live/store"
	"github.com/vango-go/voicegw/pkg/gateway/mw"
	"github.com/vango-go/voicegw/pkg/gateway/ratelimit"
	"github.com/vango-go/voicegw/pkg/gateway/telemetry"
)

const (
	tracerName          = "github.com/vango-go/voicegw/pkg/gateway"
	maxJanitorInterval  = time.Minute
	drainNoticeMessage  = "server is shutting down"
	cancelSettleTimeout = 2 * time.Second
)

// Options overrides collaborators that New would otherwise build from config.
type Options struct {
	Transcriber stt.Transcriber
	Responder   llm.Responder
	Archive     archive.Archive
	Events      events.Publisher
	Now         func() time.Time
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store        *store.MemoryStore
	manager      *manager.Manager
	archive      archive.Archive
	events       events.Publisher
	authn        *auth.Authenticator
	limiter      *ratelimit.Limiter
	metrics      *telemetry.Metrics
	liveSessions *sessions.Tracker

	transcripts pipeline.Transcripts
	responses   pipeline.Responses

	stopJanitor context.CancelFunc
	closeOnce   sync.Once
}

// New builds the gateway and its collaborators. ctx bounds startup work such
// as opening the archive and connecting to NATS.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	transcriber, err := newTranscriber(cfg, opts)
	if err != nil {
		return nil, err
	}
	responder, err := newResponder(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	arch := opts.Archive
	if arch == nil {
		arch, err = openArchive(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	pub := opts.Events
	if pub == nil {
		pub, err = connectEvents(ctx, cfg, logger)
		if err != nil {
			_ = arch.Close()
			return nil, err
		}
	}

	st := store.NewMemoryStore(store.WithEndedTTL(cfg.EndedSessionTTL))
	mgr := manager.New(manager.Options{
		Store:               st,
		Archive:             arch,
		Events:              pub,
		Logger:              logger,
		Now:                 now,
		MaxAudioBufferBytes: cfg.MaxAudioBufferBytes,
		MaxAudioChunkBytes:  cfg.MaxAudioChunkBytes,
	})

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		mux:          http.NewServeMux(),
		store:        st,
		manager:      mgr,
		archive:      arch,
		events:       pub,
		authn:        auth.NewAuthenticator(cfg),
		liveSessions: sessions.NewTracker(),
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			MaxConnections:        cfg.WSMaxConnectionsPerPrincipal,
			AudioChunksPerSecond:  cfg.AudioChunksPerSecond,
			AudioBytesPerSecond:   cfg.AudioBytesPerSecond,
			AudioBurstSeconds:     cfg.InboundBurstSeconds,
		}),
		transcripts: pipeline.Transcripts{
			Manager:  mgr,
			Engine:   transcriber,
			Pace:     cfg.TranscriptPace,
			Language: cfg.STTLanguage,
		},
		responses: pipeline.Responses{
			Manager: mgr,
			Engine:  responder,
			Pace:    cfg.ResponsePace,
		},
	}
	if cfg.MetricsEnabled {
		s.metrics = telemetry.NewMetrics("")
	}

	janitorCtx, stop := context.WithCancel(context.Background())
	s.stopJanitor = stop
	if cfg.EndedSessionTTL > 0 {
		go st.RunJanitor(janitorCtx, min(cfg.EndedSessionTTL, maxJanitorInterval), now)
	}

	s.routes()
	logger.Info("gateway configured",
		"stt_engine", transcriber.Name(),
		"llm_engine", responder.Name(),
		"archive_driver", cfg.ArchiveDriver,
		"events", cfg.NATSURL != "",
		"metrics", cfg.MetricsEnabled,
	)
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:       s.cfg,
		LiveSessions: s.liveSessions,
	})
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	live := handlers.LiveHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Auth:         s.authn,
		Manager:      s.manager,
		Transcripts:  s.transcripts,
		Responses:    s.responses,
		Limiter:      s.limiter,
		LiveSessions: s.liveSessions,
		Metrics:      s.metrics,
		Tracer:       otel.Tracer(tracerName),
	}
	s.mux.Handle("/ws", live)
	s.mux.Handle("/v1/live", live)

	summary := handlers.SummaryHandler{Manager: s.manager, Logger: s.logger}
	s.mux.Handle("/v1/sessions/{id}/summary", summary)
	s.mux.Handle("/api/sessions/{id}/summary", summary)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.authn, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Manager exposes the session manager.
func (s *Server) Manager() *manager.Manager { return s.manager }

func (s *Server) SetDraining() {
	s.liveSessions.SetDraining(true)
}

// NotifyLiveSessions sends a timeout error frame to every open connection.
func (s *Server) NotifyLiveSessions() int {
	return s.liveSessions.NotifyAll(protocol.CodeTimeout, drainNoticeMessage)
}

func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.liveSessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.liveSessions.CancelAll()
}

// Close stops background work, cancels any connections still open, and
// releases the archive and event publisher.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.liveSessions.SetDraining(true)
		s.stopJanitor()
		if n := s.liveSessions.CancelAll(); n > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), cancelSettleTimeout)
			s.liveSessions.Wait(ctx)
			cancel()
		}
		err = errors.Join(s.events.Close(), s.archive.Close())
	})
	return err
}

func newTranscriber(cfg config.Config, opts Options) (stt.Transcriber, error) {
	if opts.Transcriber != nil {
		return opts.Transcriber, nil
	}
	switch cfg.STTEngine {
	case config.STTEngineWhisper:
		return stt.NewWhisper(cfg.WhisperAPIKey, stt.WhisperOptions{
			BaseURL:  cfg.WhisperBaseURL,
			Model:    cfg.WhisperModel,
			Filename: cfg.WhisperFilename,
		}), nil
	case config.STTEngineSimulated, "":
		return stt.NewSimulated(), nil
	default:
		return nil, fmt.Errorf("unknown stt engine %q", cfg.STTEngine)
	}
}

func newResponder(ctx context.Context, cfg config.Config, opts Options) (llm.Responder, error) {
	if opts.Responder != nil {
		return opts.Responder, nil
	}
	switch cfg.LLMEngine {
	case config.LLMEngineGemini:
		g, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, llm.WithGeminiModel(cfg.GeminiModel))
		if err != nil {
			return nil, fmt.Errorf("init gemini: %w", err)
		}
		return g, nil
	case config.LLMEngineSimulated, "":
		return llm.NewSimulated(), nil
	default:
		return nil, fmt.Errorf("unknown llm engine %q", cfg.LLMEngine)
	}
}

func openArchive(ctx context.Context, cfg config.Config, logger *slog.Logger) (archive.Archive, error) {
	switch cfg.ArchiveDriver {
	case config.ArchiveDriverNone, "":
		return archive.Nop{}, nil
	default:
		a, err := archive.Open(ctx, cfg.ArchiveDriver, cfg.ArchiveDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		return a, nil
	}
}

func connectEvents(ctx context.Context, cfg config.Config, logger *slog.Logger) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.Nop{}, nil
	}
	p, err := events.ConnectNATS(ctx, cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return p, nil
}
