package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/danmuck/ddpctl/internal/auth"
	"github.com/danmuck/ddpctl/internal/observability"
	"github.com/danmuck/ddpctl/internal/protocol"
	"github.com/danmuck/ddpctl/internal/protocol/frame"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handshake runs Connect then Authenticate.
func (s *Session) Handshake(ctx context.Context, login auth.Login) (Credential, error) {
	if err := s.Connect(ctx); err != nil {
		return Credential{}, err
	}
	return s.Authenticate(ctx, login)
}

// Connect sends the connect handshake and waits for the server ack.
// The transport must be open and no handshake may have been attempted.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transition(StateConnecting, StateAwaitingHandshakeAck); err != nil {
		return err
	}
	ctx, cancel := s.handshakeContext(ctx)
	defer cancel()

	if _, err := s.await(ctx, ConnectCommand()); err != nil {
		return s.failHandshake(err)
	}
	if err := s.transition(StateAwaitingHandshakeAck, StateAuthenticating); err != nil {
		return err
	}
	return nil
}

// Authenticate sends the login call and, on success, stores the credential and
// moves the session to Ready. A rejected login fails the session with an error
// that matches both ErrHandshakeFailed and ErrOperationRejected.
func (s *Session) Authenticate(ctx context.Context, login auth.Login) (Credential, error) {
	if err := login.Validate(); err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrPreconditionViolation, err)
	}
	s.mu.Lock()
	if s.state != StateAuthenticating || s.authBusy {
		state := s.state
		s.mu.Unlock()
		return Credential{}, fmt.Errorf("%w: authenticate in state=%s", ErrPreconditionViolation, state)
	}
	s.authBusy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.authBusy = false
		s.mu.Unlock()
	}()

	ctx, cancel := s.handshakeContext(ctx)
	defer cancel()

	res, err := s.await(ctx, AuthenticateCommand(login))
	if err != nil {
		return Credential{}, s.failHandshake(err)
	}
	cred, err := parseCredential(res.Result)
	if err != nil {
		return Credential{}, s.failHandshake(err)
	}

	s.mu.Lock()
	if s.state != StateAuthenticating {
		recorded := s.err
		s.mu.Unlock()
		if recorded == nil {
			recorded = fmt.Errorf("%w: session left authenticating", ErrPreconditionViolation)
		}
		return Credential{}, recorded
	}
	s.credential = &cred
	s.setStateLocked(StateReady)
	s.mu.Unlock()

	s.log.Info().
		Str("user_id", cred.UserID).
		Time("token_expires", cred.Expires).
		Msg("authenticated")
	return cred, nil
}

// Call issues a remote method call and waits for its result frame.
func (s *Session) Call(ctx context.Context, method string, params ...any) (protocol.Message, error) {
	cmd := MethodCommand(method, params...)
	if err := cmd.Validate(); err != nil {
		return protocol.Message{}, err
	}
	if err := s.requireReady(); err != nil {
		return protocol.Message{}, err
	}
	return s.await(ctx, cmd)
}

// Subscribe starts a subscription and returns its id without waiting for a reply.
// Pushes for the id arrive as unsolicited frames unless a caller waits on them
// with AwaitSubscription.
func (s *Session) Subscribe(name string, params ...any) (string, error) {
	cmd := SubscribeCommand(name, params...)
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	if err := s.requireReady(); err != nil {
		return "", err
	}
	id := s.nextID()
	if err := s.send(cmd.Frame(id)); err != nil {
		return "", err
	}
	s.log.Info().Str("name", name).Str("id", id).Msg("subscribed")
	return id, nil
}

// AwaitSubscription waits once for an added, updated or ready frame carrying id.
// A nosub for id rejects every such waiter.
// Pushes that arrive before the call are not replayed.
func (s *Session) AwaitSubscription(ctx context.Context, kind protocol.Kind, id string) (protocol.Message, error) {
	if !slices.Contains(subscriptionKinds, kind) {
		return protocol.Message{}, fmt.Errorf("%w: cannot await %q", ErrPreconditionViolation, kind)
	}
	if err := s.requireReady(); err != nil {
		return protocol.Message{}, err
	}
	p, err := s.register(kind, id)
	if err != nil {
		return protocol.Message{}, err
	}
	out := s.wait(ctx, p)
	return out.Message, out.Err
}

// Close logs out when the session is ready, then closes the transport.
// The logout result error, if any, is returned after the session is closed.
func (s *Session) Close(ctx context.Context) error {
	state := s.State()
	if state.Terminal() {
		s.closeTransport()
		return nil
	}

	var logoutErr error
	if state == StateReady {
		_, logoutErr = s.await(ctx, LogoutCommand())
		if errors.Is(logoutErr, ErrTransportFailed) {
			return logoutErr
		}
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		s.closeTransport()
		return logoutErr
	}
	s.setStateLocked(StateClosed)
	s.mu.Unlock()

	s.drain(ErrSessionClosed)
	s.closeTransport()
	return logoutErr
}

func (s *Session) closeTransport() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = frame.Shutdown(conn)
}

func (s *Session) requireReady() error {
	state := s.State()
	if state != StateReady {
		return fmt.Errorf("%w: state=%s", ErrNotReady, state)
	}
	return nil
}

func (s *Session) handshakeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.HandshakeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
}

func (s *Session) failHandshake(err error) error {
	if errors.Is(err, ErrTransportFailed) {
		return s.fail(err)
	}
	if !errors.Is(err, ErrHandshakeFailed) {
		err = fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	return s.fail(err)
}

// register adds a pending entry unless the session has already gone terminal.
// A session that fails between the caller's state check and the insert has
// drained its registry, so the entry is taken back out here.
func (s *Session) register(kind protocol.Kind, id string) (*Pending, error) {
	p, err := s.registry.Register(kind, id)
	if err != nil {
		return nil, err
	}
	if err := s.terminalErr(); err != nil {
		if s.registry.Remove(p) {
			observability.ForgetSession(s.id)
			return nil, err
		}
		out := <-p.Done()
		return nil, out.Err
	}
	return p, nil
}

// await registers the expected reply, sends the frame and blocks for the outcome.
func (s *Session) await(ctx context.Context, cmd Command) (protocol.Message, error) {
	exp := cmd.Expect()
	var id string
	if exp.Correlated {
		id = s.nextID()
	}

	ctx, span := s.tracer.Start(ctx, "ddp."+cmd.Kind.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ddp.session_id", s.id),
			attribute.String("ddp.command", cmd.label()),
			attribute.String("ddp.correlation_id", id),
		),
	)
	defer span.End()
	start := time.Now()

	p, err := s.register(exp.Reply, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return protocol.Message{}, err
	}
	if err := s.send(cmd.Frame(id)); err != nil {
		s.registry.Remove(p)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordCommand(cmd.Kind.String(), "send_error", time.Since(start))
		return protocol.Message{}, err
	}

	out := s.wait(ctx, p)
	observability.RecordCommand(cmd.Kind.String(), outcomeLabel(out.Err), time.Since(start))
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		s.log.Warn().Str("command", cmd.label()).Str("id", id).Err(out.Err).Msg("command failed")
		return out.Message, out.Err
	}
	span.SetStatus(codes.Ok, "")
	return out.Message, nil
}

// wait blocks until p resolves, the request timeout passes or ctx ends. A
// request that gives up is removed from the registry so a late reply is dropped.
func (s *Session) wait(ctx context.Context, p *Pending) Outcome {
	var expired <-chan time.Time
	if s.cfg.RequestTimeout > 0 {
		timer := time.NewTimer(s.cfg.RequestTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case out := <-p.Done():
		return out
	case <-expired:
		if s.registry.Remove(p) {
			return Outcome{Err: fmt.Errorf("%w: kind=%s id=%s after %s", ErrTimeout, p.Kind, p.ID, s.cfg.RequestTimeout)}
		}
		return <-p.Done()
	case <-ctx.Done():
		if s.registry.Remove(p) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Outcome{Err: fmt.Errorf("%w: kind=%s id=%s: %w", ErrTimeout, p.Kind, p.ID, ctx.Err())}
			}
			return Outcome{Err: ctx.Err()}
		}
		return <-p.Done()
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrOperationRejected):
		return "rejected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransportFailed):
		return "transport_failed"
	case errors.Is(err, ErrHandshakeFailed):
		return "handshake_failed"
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	default:
		return "error"
	}
}
