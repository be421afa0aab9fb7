// Package session runs one live conversation connection: it reads envelopes,
// dispatches them one at a time against the session manager, and streams
// producer output back to the client in emission order.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/voicegw/pkg/core"
	"github.com/vango-go/voicegw/pkg/gateway/live/manager"
	"github.com/vango-go/voicegw/pkg/gateway/live/pipeline"
	"github.com/vango-go/voicegw/pkg/gateway/live/protocol"
	"github.com/vango-go/voicegw/pkg/gateway/ratelimit"
)

const (
	tracerName             = "github.com/vango-go/voicegw/pkg/gateway/live/session"
	defaultOutboundQueue   = 128
	defaultProducerTimeout = 2 * time.Minute
	inboundQueueSize       = 64
	writerShutdownWait     = 100 * time.Millisecond
	producerKindTranscript = "transcript"
	producerKindResponse   = "response"
)

var (
	errSessionClosed = errors.New("live session closed")
	errBackpressure  = errors.New("live outbound backpressure")
)

type Config struct {
	MaxJSONMessageBytes  int64
	AudioChunksPerSecond int
	AudioBytesPerSecond  int64
	InboundBurstSeconds  int
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	MaxSessionDuration   time.Duration
	ProducerTimeout      time.Duration
	OutboundQueueSize    int
}

// Observer receives per-connection counters. telemetry.Metrics implements it.
type Observer interface {
	FrameReceived(msgType string)
	FrameSent(msgType string)
	ErrorSent(code string)
	AudioAccepted(bytes int)
	ProducerFinished(kind string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) FrameReceived(string)                          {}
func (nopObserver) FrameSent(string)                              {}
func (nopObserver) ErrorSent(string)                              {}
func (nopObserver) AudioAccepted(int)                             {}
func (nopObserver) ProducerFinished(string, time.Duration, error) {}

type wsConn interface {
	wsWriter
	ReadMessage() (int, []byte, error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type Dependencies struct {
	Conn        *websocket.Conn
	Logger      *slog.Logger
	Manager     *manager.Manager
	Transcripts pipeline.Transcripts
	Responses   pipeline.Responses
	UserID      string
	ConnID      string
	Config      Config
	Observer    Observer
	Tracer      trace.Tracer
	Now         func() time.Time

	// Audio is the connection's inbound audio budget. When nil, one is built
	// from the Config audio rates.
	Audio *ratelimit.AudioBudget
}

type LiveSession struct {
	conn        wsConn
	logger      *slog.Logger
	manager     *manager.Manager
	transcripts pipeline.Transcripts
	responses   pipeline.Responses
	userID      string
	connID      string
	cfg         Config
	observer    Observer
	tracer      trace.Tracer
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outbound   chan outboundFrame
	writerDone chan struct{}
	audio      *ratelimit.AudioBudget
}

type outboundFrame struct {
	msgType string
	payload []byte
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	return newLiveSession(deps.Conn, deps)
}

func newLiveSession(conn wsConn, deps Dependencies) (*LiveSession, error) {
	if deps.Manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if deps.Transcripts.Engine == nil || deps.Responses.Engine == nil {
		return nil, fmt.Errorf("transcript and response engines are required")
	}
	if deps.Transcripts.Manager == nil {
		deps.Transcripts.Manager = deps.Manager
	}
	if deps.Responses.Manager == nil {
		deps.Responses.Manager = deps.Manager
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = defaultOutboundQueue
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = defaultWriteTimeout
	}
	if deps.Config.ProducerTimeout <= 0 {
		deps.Config.ProducerTimeout = defaultProducerTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LiveSession{
		conn:        conn,
		logger:      deps.Logger.With(slog.String("conn_id", deps.ConnID)),
		manager:     deps.Manager,
		transcripts: deps.Transcripts,
		responses:   deps.Responses,
		userID:      deps.UserID,
		connID:      deps.ConnID,
		cfg:         deps.Config,
		observer:    deps.Observer,
		tracer:      deps.Tracer,
		now:         deps.Now,
		ctx:         ctx,
		cancel:      cancel,
		outbound:    make(chan outboundFrame, deps.Config.OutboundQueueSize),
		writerDone:  make(chan struct{}),
		audio:       deps.Audio,
	}
	if s.audio == nil {
		s.audio = ratelimit.NewAudioBudget(deps.Now, deps.Config.AudioChunksPerSecond,
			deps.Config.AudioBytesPerSecond, deps.Config.InboundBurstSeconds)
	}
	return s, nil
}

// Run serves the connection until the client disconnects, the maximum
// session duration elapses, or Cancel is called. Frames are handled strictly
// one at a time, including any producer streaming they trigger.
func (s *LiveSession) Run() error {
	defer s.cancel()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.IdleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		})
	}

	readCh := make(chan inboundFrame, inboundQueueSize)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:    s.conn,
			ctx:   s.ctx,
			cfg:   s.cfg,
			queue: s.outbound,
			onWrite: func(f outboundFrame) {
				s.observer.FrameSent(f.msgType)
			},
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() {
		s.cancel()
		wait := writerShutdownWait
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}
	defer flushAndClose()

	var sessionTimer <-chan time.Time
	if s.cfg.MaxSessionDuration > 0 {
		t := time.NewTimer(s.cfg.MaxSessionDuration)
		defer t.Stop()
		sessionTimer = t.C
	}

	// After a clean close the reader leaves the context alone, so every frame
	// read before the close is dispatched before the loop ends.
	writerCh := writerErrCh
	var writerErr error
	for {
		select {
		case in, ok := <-readCh:
			if s.dispatch(in, ok) {
				return writerErr
			}
			continue
		default:
		}

		select {
		case <-s.ctx.Done():
			return writerErr
		case err, ok := <-writerCh:
			if !ok || err == nil {
				return nil
			}
			// Nothing more can be written. Keep dispatching what was already
			// read so its side effects land; closing the conn ends the reader.
			s.logger.Debug("live writer stopped", slog.String("error", err.Error()))
			writerErr = err
			writerCh = nil
			close(s.writerDone)
			_ = s.conn.Close()
		case <-sessionTimer:
			s.logger.Info("live session reached max duration")
			s.reportError(&core.Error{Type: core.ErrOverloaded, Message: "maximum session duration reached"}, protocol.CodeTimeout)
			return writerErr
		case in, ok := <-readCh:
			if s.dispatch(in, ok) {
				return writerErr
			}
		}
	}
}

// dispatch handles one item from the reader and reports whether the loop
// should stop.
func (s *LiveSession) dispatch(in inboundFrame, ok bool) bool {
	if !ok {
		return true
	}
	if in.err != nil {
		if !isCleanClose(in.err) {
			s.logger.Debug("live read ended", slog.String("error", in.err.Error()))
		}
		return true
	}
	s.handleFrame(in)
	return false
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// Cancel ends the connection. Queued frames are flushed briefly first.
func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Notify sends an error frame outside the dispatch loop; used for shutdown
// notices.
func (s *LiveSession) Notify(code, message string) error {
	if s == nil {
		return nil
	}
	return s.send(protocol.NewError(code, message, ""))
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			// Transport failures and idle timeouts stop producers at once. A
			// close handshake is queued behind the frames that preceded it.
			if !isCleanClose(err) {
				s.cancel()
			}
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		if s.cfg.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LiveSession) handleFrame(in inboundFrame) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling live frame",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			s.reportError(core.NewInternalError("internal error", nil), protocol.CodeBadRequest)
		}
	}()

	if in.messageType != websocket.TextMessage {
		s.reportError(core.NewDecodeError("binary frames are not supported", ""), "")
		return
	}

	msg, err := protocol.DecodeClientMessage(in.data)
	if errors.Is(err, protocol.ErrNoPayload) {
		s.logger.Debug("live frame without payload ignored")
		return
	}
	if err != nil {
		s.reportError(err, "")
		return
	}
	s.observer.FrameReceived(msg.MessageType())

	switch m := msg.(type) {
	case protocol.SessionStart:
		err = s.handleSessionStart(m)
	case protocol.AudioChunk:
		err = s.handleAudioChunk(m)
	case protocol.AudioEnd:
		err = s.handleAudioEnd(m)
	case protocol.SessionEnd:
		err = s.handleSessionEnd(m)
	default:
		err = core.NewUnknownMessageTypeError(msg.MessageType())
	}
	if err != nil {
		s.reportError(err, "")
	}
}

func (s *LiveSession) handleSessionStart(m protocol.SessionStart) error {
	sess, err := s.manager.Start(s.ctx, s.userID, m.SessionID)
	if err != nil {
		return err
	}
	return s.send(protocol.NewSessionStarted(sess.ID, string(sess.State)))
}

func (s *LiveSession) handleAudioChunk(m protocol.AudioChunk) error {
	// The budget is checked against the largest size the payload can decode
	// to and charged with the bytes actually appended.
	estimate := base64.StdEncoding.DecodedLen(len(m.Base64Data))
	if ok, retryAfter := s.audio.Check(estimate); !ok {
		s.logger.Debug("audio chunk rate limited", m.LogAttrs()...)
		return core.NewRateLimitError("audio chunk rate exceeded", retryAfter)
	}
	ack, err := s.manager.AppendAudio(s.ctx, s.userID, m.SessionID, m.Sequence, m.Base64Data)
	if err != nil {
		return err
	}
	s.audio.Spend(ack.Bytes)
	s.observer.AudioAccepted(ack.Bytes)
	return s.send(protocol.NewAudioAck(ack.Sequence))
}

// handleAudioEnd closes the audio stream, streams the transcript, then the
// reply, and completes the session. A producer failure stops the sequence and
// leaves the session where the failure occurred.
func (s *LiveSession) handleAudioEnd(m protocol.AudioEnd) error {
	if _, err := s.manager.CompleteAudio(s.ctx, s.userID, m.SessionID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ProducerTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "live.audio_end", trace.WithAttributes(
		attribute.String("session.id", m.SessionID),
		attribute.String("connection.id", s.connID),
	))
	defer span.End()

	err := s.streamTranscript(ctx, m.SessionID)
	if err == nil {
		err = s.streamResponse(ctx, m.SessionID)
	}
	if err == nil {
		err = s.send(protocol.NewAssistantComplete())
	}
	if err == nil {
		err = s.manager.MarkCompleted(ctx, m.SessionID)
	}
	if err == nil {
		err = s.send(protocol.NewSessionCompleted(m.SessionID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audio end failed")
	}
	return err
}

func (s *LiveSession) streamTranscript(ctx context.Context, sessionID string) (err error) {
	started := time.Now()
	segments := 0
	defer func() {
		s.observer.ProducerFinished(producerKindTranscript, time.Since(started), err)
		trace.SpanFromContext(ctx).AddEvent("transcript.done", trace.WithAttributes(attribute.Int("segments", segments)))
	}()

	for seg, err := range s.transcripts.Stream(ctx, sessionID) {
		if err != nil {
			return err
		}
		if err := s.send(protocol.NewTranscriptPartial(seg.Text, seg.StartMs, seg.EndMs)); err != nil {
			return err
		}
		segments++
	}
	return nil
}

func (s *LiveSession) streamResponse(ctx context.Context, sessionID string) (err error) {
	started := time.Now()
	deltas := 0
	defer func() {
		s.observer.ProducerFinished(producerKindResponse, time.Since(started), err)
		trace.SpanFromContext(ctx).AddEvent("response.done", trace.WithAttributes(attribute.Int("deltas", deltas)))
	}()

	for delta, err := range s.responses.Stream(ctx, sessionID) {
		if err != nil {
			return err
		}
		if err := s.send(protocol.NewAssistantDelta(delta)); err != nil {
			return err
		}
		deltas++
	}
	return nil
}

func (s *LiveSession) handleSessionEnd(m protocol.SessionEnd) error {
	sess, err := s.manager.End(s.ctx, s.userID, m.SessionID)
	if err != nil {
		return err
	}
	return s.send(protocol.NewSessionEnded(sess.ID))
}

// reportError sends an error frame for err. An empty code derives one from
// the error. Send failures on a closing connection are only logged.
func (s *LiveSession) reportError(err error, code string) {
	if errors.Is(err, errSessionClosed) || (s.ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		s.logger.Debug("live send after close", slog.String("error", err.Error()))
		return
	}
	if errors.Is(err, errBackpressure) {
		s.logger.Warn("live outbound queue stalled; closing connection")
		s.cancel()
		return
	}

	frame := errorFrame(err)
	if code != "" {
		frame.Code = code
	}
	s.logger.Debug("live request failed",
		slog.String("code", frame.Code),
		slog.String("reason", frame.Reason),
		slog.String("error", err.Error()),
	)
	s.observer.ErrorSent(frame.Code)
	if sendErr := s.send(protocol.Envelope{Type: protocol.TypeError, Payload: frame}); sendErr != nil {
		s.logger.Debug("live error frame not sent", slog.String("error", sendErr.Error()))
		if errors.Is(sendErr, errBackpressure) {
			s.cancel()
		}
	}
}

// send enqueues env behind every frame sent before it. It blocks while the
// queue is full, for at most WriteTimeout.
func (s *LiveSession) send(env protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	frame := outboundFrame{msgType: env.Type, payload: payload}

	select {
	case <-s.ctx.Done():
		return errSessionClosed
	case <-s.writerDone:
		return errSessionClosed
	default:
	}
	select {
	case s.outbound <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case s.outbound <- frame:
		return nil
	case <-s.ctx.Done():
		return errSessionClosed
	case <-s.writerDone:
		return errSessionClosed
	case <-timer.C:
		return errBackpressure
	}
}
