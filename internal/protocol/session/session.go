package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ddpctl/internal/observability"
	"github.com/danmuck/ddpctl/internal/protocol"
	"github.com/danmuck/ddpctl/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/danmuck/ddpctl/session"

// DialFunc opens the transport for Open.
type DialFunc func(ctx context.Context) (frame.Conn, error)

// PushHandler receives inbound frames that matched no pending request.
// It runs on the reader goroutine and must not block.
type PushHandler func(msg protocol.Message)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Session is one logical DDP connection.
type Session struct {
	cfg      Config
	id       string
	registry *Registry
	seq      atomic.Uint64
	tracer   trace.Tracer
	log      zerolog.Logger

	mu         sync.Mutex
	state      State
	conn       frame.Conn
	credential *Credential
	err        error
	authBusy   bool
	onPush     PushHandler

	writeMu sync.Mutex
	done    chan struct{}
}

func New(cfg Config) *Session {
	id := uuid.NewString()
	return &Session{
		cfg:      cfg.WithDefaults(),
		id:       id,
		registry: NewRegistry(id),
		tracer:   otel.Tracer(tracerName),
		log:      log.Logger.With().Str("session", id).Logger(),
		state:    StateDisconnected,
		done:     make(chan struct{}),
	}
}

// WebSocketDialer dials cfg.URL with the frame package defaults.
func WebSocketDialer(cfg Config) DialFunc {
	cfg = cfg.WithDefaults()
	return func(ctx context.Context) (frame.Conn, error) {
		conn, err := frame.Dial(ctx, cfg.URL, frame.DialOptions{
			HandshakeTimeout: cfg.ConnectTimeout,
			Limits:           cfg.Limits,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause recorded when the session failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Credential returns the login credential once the session is ready.
func (s *Session) Credential() (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credential == nil {
		return Credential{}, false
	}
	return *s.credential, true
}

// Done is closed when the reader goroutine exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// OnPush installs the handler for unsolicited frames.
func (s *Session) OnPush(fn PushHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPush = fn
}

func (s *Session) PendingRequests() []PendingInfo {
	return s.registry.List()
}

// Snapshot is a point-in-time view of the session for status reporting.
type Snapshot struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	State        string    `json:"state"`
	UserID       string    `json:"user_id,omitempty"`
	TokenExpires time.Time `json:"token_expires,omitempty"`
	Pending      int       `json:"pending"`
	Error        string    `json:"error,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:    s.id,
		URL:   s.cfg.URL,
		State: s.state.String(),
	}
	if s.credential != nil {
		snap.UserID = s.credential.UserID
		snap.TokenExpires = s.credential.Expires
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	s.mu.Unlock()
	snap.Pending = s.registry.Len()
	return snap
}

// Open dials the transport, retrying with backoff up to MaxConnectAttempts,
// and starts the reader.
func (s *Session) Open(ctx context.Context, dial DialFunc) error {
	if err := s.transition(StateDisconnected, StateConnecting); err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		conn, err := dial(dialCtx)
		cancel()
		if err == nil {
			s.attach(conn)
			return nil
		}
		s.log.Warn().Int("attempt", attempt).Str("url", s.cfg.URL).Err(err).Msg("dial failed")
		if !s.shouldRetry(attempt) {
			return s.fail(fmt.Errorf("%w: %w", ErrTransportFailed, err))
		}
		if err := sleepBackoff(ctx, s.cfg.Backoff, attempt, rng); err != nil {
			return s.fail(fmt.Errorf("%w: %w", ErrTransportFailed, err))
		}
	}
}

// Attach adopts an already-open transport and starts the reader.
func (s *Session) Attach(conn frame.Conn) error {
	if err := s.transition(StateDisconnected, StateConnecting); err != nil {
		return err
	}
	s.attach(conn)
	return nil
}

func (s *Session) attach(conn frame.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.log.Info().Str("url", s.cfg.URL).Msg("transport open")
	go s.readLoop(conn)
}

func (s *Session) shouldRetry(attempt int) bool {
	return attempt < s.cfg.MaxConnectAttempts
}

func (s *Session) readLoop(conn frame.Conn) {
	defer close(s.done)
	for {
		payload, err := frame.ReadFrame(conn, s.cfg.Limits)
		if err != nil {
			if errors.Is(err, frame.ErrUnexpectedFrameType) || errors.Is(err, frame.ErrPayloadTooLarge) {
				s.log.Warn().Err(err).Msg("frame dropped")
				observability.RecordDroppedFrame("unreadable")
				continue
			}
			s.transportClosed(err)
			return
		}
		s.dispatch(payload)
	}
}

// dispatch handles one inbound frame to completion, including any pong reply,
// before the reader takes the next one.
func (s *Session) dispatch(payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		s.log.Warn().Err(err).Int("bytes", len(payload)).Msg("frame dropped")
		observability.RecordDroppedFrame("malformed")
		return
	}
	observability.RecordFrame(observability.DirectionInbound, string(msg.Msg))
	s.log.Debug().Str("kind", string(msg.Msg)).Str("id", msg.ID).Msg("frame received")

	switch msg.Msg {
	case protocol.KindPing:
		if err := s.send(protocol.Pong(msg.ID)); err != nil {
			s.log.Warn().Err(err).Msg("pong failed")
		}
		return
	case protocol.KindFailed:
		if p, ok := s.registry.ResolveMatching(protocol.KindConnected, ""); ok {
			p.fulfil(Outcome{
				Message: msg,
				Err:     fmt.Errorf("%w: server proposed version %q", ErrHandshakeFailed, msg.Version),
			})
			return
		}
	case protocol.KindNoSub:
		if msg.ID != "" && s.resolveSubscription(msg.ID, Outcome{Message: msg, Err: rejection(msg)}, subscriptionKinds...) > 0 {
			return
		}
	case protocol.KindReady:
		var matched int
		for _, id := range msg.Subs {
			if id != "" {
				matched += s.resolveSubscription(id, Outcome{Message: msg}, protocol.KindReady)
			}
		}
		if matched > 0 {
			return
		}
	default:
		if p, ok := s.registry.ResolveMatching(msg.Msg, msg.ID); ok {
			p.fulfil(outcomeFor(msg))
			return
		}
	}

	s.log.Debug().
		Str("kind", string(msg.Msg)).
		Str("id", msg.ID).
		Err(ErrUnsolicitedMessage).
		Msg("frame not matched")
	observability.RecordDroppedFrame("unsolicited")
	s.mu.Lock()
	push := s.onPush
	s.mu.Unlock()
	if push != nil {
		push(msg)
	}
}

// subscriptionKinds are the reply kinds a subscription waiter can register for.
var subscriptionKinds = []protocol.Kind{protocol.KindAdded, protocol.KindUpdated, protocol.KindReady}

// resolveSubscription fulfils every waiter of the given kinds registered for id
// and reports how many were resolved.
func (s *Session) resolveSubscription(id string, out Outcome, kinds ...protocol.Kind) int {
	var n int
	for _, kind := range kinds {
		for {
			p, ok := s.registry.ResolveMatching(kind, id)
			if !ok {
				break
			}
			p.fulfil(out)
			n++
		}
	}
	return n
}

func outcomeFor(msg protocol.Message) Outcome {
	if msg.Error != nil {
		return Outcome{Message: msg, Err: rejection(msg)}
	}
	return Outcome{Message: msg}
}

func rejection(msg protocol.Message) error {
	remote, _ := msg.RemoteError()
	return &OperationError{ID: msg.ID, Kind: msg.Msg, Remote: remote}
}

func (s *Session) send(msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: no transport", ErrPreconditionViolation)
	}

	s.writeMu.Lock()
	if d, ok := conn.(writeDeadliner); ok && s.cfg.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	err = frame.WriteFrame(conn, payload, s.cfg.Limits)
	s.writeMu.Unlock()
	if err != nil {
		if errors.Is(err, frame.ErrPayloadTooLarge) {
			return err
		}
		return s.fail(fmt.Errorf("%w: %w", ErrTransportFailed, err))
	}
	observability.RecordFrame(observability.DirectionOutbound, string(msg.Msg))
	s.log.Debug().Str("kind", string(msg.Msg)).Str("id", msg.ID).Msg("frame sent")
	return nil
}

func (s *Session) nextID() string {
	return strconv.FormatUint(s.seq.Add(1), 10)
}

func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		if s.state == StateFailed && s.err != nil {
			return s.err
		}
		return fmt.Errorf("%w: state=%s want=%s", ErrPreconditionViolation, s.state, from)
	}
	s.setStateLocked(to)
	return nil
}

func (s *Session) setStateLocked(next State) {
	prev := s.state
	s.state = next
	observability.RecordStateTransition(next.String())
	s.log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("session state")
}

// fail moves the session to Failed, rejects every pending request with cause and
// closes the transport. It returns the recorded cause; a session that is already
// terminal keeps its original cause.
func (s *Session) fail(cause error) error {
	s.mu.Lock()
	if s.state.Terminal() {
		recorded := s.err
		s.mu.Unlock()
		if recorded != nil {
			return recorded
		}
		return cause
	}
	s.setStateLocked(StateFailed)
	s.err = cause
	conn := s.conn
	s.mu.Unlock()

	s.log.Error().Err(cause).Msg("session failed")
	s.drain(cause)
	if conn != nil {
		_ = conn.Close()
	}
	return cause
}

func (s *Session) transportClosed(err error) {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		s.drain(ErrSessionClosed)
		return
	}
	s.fail(fmt.Errorf("%w: %w", ErrTransportFailed, err))
}

// drain rejects every pending request with cause.
func (s *Session) drain(cause error) {
	for _, p := range s.registry.Drain() {
		p.fulfil(Outcome{Err: cause})
	}
	observability.ForgetSession(s.id)
}

// terminalErr returns the error a new request gets once the session is
// terminal, or nil while it is still live.
func (s *Session) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateFailed:
		if s.err != nil {
			return s.err
		}
		return ErrTransportFailed
	case StateClosed:
		return ErrSessionClosed
	default:
		return nil
	}
}
