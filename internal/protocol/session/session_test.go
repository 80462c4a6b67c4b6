package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ddpctl/internal/auth"
	"github.com/danmuck/ddpctl/internal/protocol"
	"github.com/danmuck/ddpctl/internal/protocol/frame"
	"github.com/danmuck/ddpctl/internal/testutil/ddptest"
	"github.com/danmuck/ddpctl/internal/testutil/testlog"
)

const loginResultJSON = `{"id":"u1","token":"t1","tokenExpires":{"$date":1700000000000}}`

func testLogin() auth.Login {
	return auth.Login{Username: "alice", Secret: auth.Digest("secret")}
}

func newTestSession(t *testing.T, cfg Config) (*Session, *ddptest.Conn) {
	t.Helper()
	testlog.Start(t)
	s := New(cfg)
	conn := ddptest.NewConn()
	if err := s.Attach(conn); err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(func() {
		conn.Drop(nil)
		select {
		case <-s.Done():
		case <-time.After(ddptest.DefaultWait):
			t.Errorf("reader did not exit")
		}
	})
	return s, conn
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(ddptest.DefaultWait):
		t.Fatalf("operation did not complete")
		return nil
	}
}

type callResult struct {
	msg protocol.Message
	err error
}

func goCall(s *Session, method string, params ...any) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		msg, err := s.Call(context.Background(), method, params...)
		ch <- callResult{msg: msg, err: err}
	}()
	return ch
}

func waitCall(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(ddptest.DefaultWait):
		t.Fatalf("call did not complete")
		return callResult{}
	}
}

func readySession(t *testing.T, cfg Config) (*Session, *ddptest.Conn) {
	t.Helper()
	s, conn := newTestSession(t, cfg)
	done := make(chan error, 1)
	go func() {
		_, err := s.Handshake(context.Background(), testLogin())
		done <- err
	}()

	if msg := conn.NextMessage(t); msg.Msg != protocol.KindConnect {
		t.Fatalf("expected connect first, got %+v", msg)
	}
	conn.Deliver(`{"msg":"connected","session":"srv-1"}`)
	login := conn.NextMessage(t)
	if login.Msg != protocol.KindMethod || login.Method != "login" {
		t.Fatalf("expected login after connected, got %+v", login)
	}
	conn.Deliver(fmt.Sprintf(`{"msg":"result","id":%q,"result":%s}`, login.ID, loginResultJSON))
	if err := waitErr(t, done); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return s, conn
}

func TestHandshakeReachesReadyWithCredential(t *testing.T) {
	s, conn := newTestSession(t, Config{})
	if s.State() != StateConnecting {
		t.Fatalf("unexpected state after attach: %s", s.State())
	}

	connectDone := make(chan error, 1)
	go func() { connectDone <- s.Connect(context.Background()) }()
	payload := conn.Next(t)
	if string(payload) != `{"msg":"connect","version":"1","support":["1"]}` {
		t.Fatalf("unexpected connect frame: %s", payload)
	}
	if s.State() != StateAwaitingHandshakeAck {
		t.Fatalf("unexpected state while awaiting ack: %s", s.State())
	}
	conn.Deliver(`{"msg":"connected","session":"srv-1"}`)
	if err := waitErr(t, connectDone); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.State() != StateAuthenticating {
		t.Fatalf("unexpected state after ack: %s", s.State())
	}

	authDone := make(chan error, 1)
	go func() {
		_, err := s.Authenticate(context.Background(), testLogin())
		authDone <- err
	}()
	login := conn.NextMessage(t)
	if login.ID != "1" || login.Method != "login" {
		t.Fatalf("unexpected login frame: %+v", login)
	}
	param, ok := login.Params[0].(map[string]any)
	if !ok {
		t.Fatalf("unexpected login params: %#v", login.Params)
	}
	password := param["password"].(map[string]any)
	if password["digest"] != auth.Digest("secret").Digest || password["algorithm"] != "sha-256" {
		t.Fatalf("unexpected password param: %#v", password)
	}

	conn.Deliver(`{"msg":"result","id":"1","result":` + loginResultJSON + `}`)
	if err := waitErr(t, authDone); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("unexpected state: %s", s.State())
	}
	cred, ok := s.Credential()
	if !ok || cred.UserID != "u1" || cred.Token != "t1" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if !cred.Expires.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("unexpected expiry: %v", cred.Expires)
	}
}

func TestConcurrentCallsResolveByCorrelationID(t *testing.T) {
	s, conn := readySession(t, Config{})

	first := goCall(s, "first")
	a := conn.NextMessage(t)
	second := goCall(s, "second")
	b := conn.NextMessage(t)
	if a.ID == b.ID {
		t.Fatalf("calls share correlation id %q", a.ID)
	}

	conn.Deliver(fmt.Sprintf(`{"msg":"result","id":%q,"result":%q}`, b.ID, b.Method))
	conn.Deliver(fmt.Sprintf(`{"msg":"result","id":%q,"result":%q}`, a.ID, a.Method))

	for _, tc := range []struct {
		ch   <-chan callResult
		want string
	}{{first, `"first"`}, {second, `"second"`}} {
		res := waitCall(t, tc.ch)
		if res.err != nil {
			t.Fatalf("call error: %v", res.err)
		}
		if string(res.msg.Result) != tc.want {
			t.Fatalf("caller got %s want %s", res.msg.Result, tc.want)
		}
	}
}

func TestInterleavedCallsNeverCrossResults(t *testing.T) {
	s, conn := readySession(t, Config{})
	const n = 16

	results := make(map[string]<-chan callResult, n)
	var ids []string
	for i := 0; i < n; i++ {
		method := "m" + strconv.Itoa(i)
		results[method] = goCall(s, method)
	}
	byID := make(map[string]string, n)
	for i := 0; i < n; i++ {
		msg := conn.NextMessage(t)
		byID[msg.ID] = msg.Method
		ids = append(ids, msg.ID)
	}

	rng := rand.New(rand.NewSource(11))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	for _, id := range ids {
		conn.Deliver(fmt.Sprintf(`{"msg":"result","id":%q,"result":%q}`, id, byID[id]))
	}

	for method, ch := range results {
		res := waitCall(t, ch)
		if res.err != nil {
			t.Fatalf("%s: %v", method, res.err)
		}
		var got string
		if err := json.Unmarshal(res.msg.Result, &got); err != nil || got != method {
			t.Fatalf("%s received %s", method, res.msg.Result)
		}
	}
	if s.registry.Len() != 0 {
		t.Fatalf("registry not empty: %d", s.registry.Len())
	}
}

func TestApplicationCommandsRequireReady(t *testing.T) {
	s, conn := newTestSession(t, Config{})

	if _, err := s.Call(context.Background(), "rooms/get"); !errors.Is(err, ErrNotReady) || !errors.Is(err, ErrPreconditionViolation) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if _, err := s.Subscribe("stream-room-messages", "GENERAL"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if _, err := s.AwaitSubscription(context.Background(), protocol.KindAdded, "1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if _, err := s.Authenticate(context.Background(), testLogin()); !errors.Is(err, ErrPreconditionViolation) {
		t.Fatalf("authenticate before connect must be rejected, got %v", err)
	}
	conn.ExpectSilence(t, 50*time.Millisecond)
	if s.registry.Len() != 0 {
		t.Fatalf("precondition failures must not register")
	}
}

func TestConnectWithoutTransportIsPreconditionViolation(t *testing.T) {
	testlog.Start(t)
	s := New(Config{})
	if err := s.Connect(context.Background()); !errors.Is(err, ErrPreconditionViolation) {
		t.Fatalf("expected ErrPreconditionViolation, got %v", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("unexpected state: %s", s.State())
	}
}

func TestPingAnsweredWithPongWithoutRegistryMutation(t *testing.T) {
	s, conn := newTestSession(t, Config{})
	go func() { _ = s.Connect(context.Background()) }()
	_ = conn.Next(t)
	before := s.registry.Len()

	conn.Deliver(`{"msg":"ping"}`)
	if got := conn.Next(t); string(got) != `{"msg":"pong"}` {
		t.Fatalf("expected pong, got %s", got)
	}
	conn.Deliver(`{"msg":"ping","id":"k1"}`)
	if got := conn.Next(t); string(got) != `{"msg":"pong","id":"k1"}` {
		t.Fatalf("expected pong with id, got %s", got)
	}
	if s.registry.Len() != before {
		t.Fatalf("ping mutated registry: before=%d after=%d", before, s.registry.Len())
	}
	if s.State() != StateAwaitingHandshakeAck {
		t.Fatalf("ping changed state: %s", s.State())
	}
}

func TestUnsolicitedAndMalformedFramesAreDropped(t *testing.T) {
	s, conn := readySession(t, Config{})
	var mu sync.Mutex
	var pushes []protocol.Message
	s.OnPush(func(msg protocol.Message) {
		mu.Lock()
		defer mu.Unlock()
		pushes = append(pushes, msg)
	})

	pending := goCall(s, "rooms/get")
	call := conn.NextMessage(t)

	conn.Deliver(`{"msg":"updated","id":"999"}`)
	conn.Deliver(`this is not json`)
	conn.Deliver(`{"no":"kind"}`)
	conn.DeliverBinary([]byte{0x00, 0x01})
	conn.Deliver(`{"msg":"result","id":"424242","result":true}`)
	conn.Deliver(fmt.Sprintf(`{"msg":"result","id":%q,"result":[]}`, call.ID))

	res := waitCall(t, pending)
	if res.err != nil || string(res.msg.Result) != `[]` {
		t.Fatalf("pending call disturbed: msg=%+v err=%v", res.msg, res.err)
	}
	if s.State() != StateReady {
		t.Fatalf("session must survive bad frames, state=%s", s.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(pushes) != 2 || pushes[0].Msg != protocol.KindUpdated || pushes[1].ID != "424242" {
		t.Fatalf("unexpected unsolicited frames: %+v", pushes)
	}
}

func TestMethodErrorRejectsOnlyItsCaller(t *testing.T) {
	s, conn := readySession(t, Config{})
	bad := goCall(s, "joinRoom", "GENERAL")
	badMsg := conn.NextMessage(t)
	good := goCall(s, "rooms/get")
	goodMsg := conn.NextMessage(t)

	conn.Deliver(fmt.Sprintf(`{"msg":"result","id":%q,"error":{"error":"error-not-allowed","reason":"Not allowed","message":"Not allowed [error-not-allowed]"}}`, badMsg.ID))
	conn.Deliver(fmt.Sprintf(`{"msg":"result","id":%q,"result":["GENERAL"]}`, goodMsg.ID))

	res := waitCall(t, bad)
	if !errors.Is(res.err, ErrOperationRejected) {
		t.Fatalf("expected ErrOperationRejected, got %v", res.err)
	}
	var opErr *OperationError
	if !errors.As(res.err, &opErr) || opErr.ID != badMsg.ID || opErr.Remote.Reason != "Not allowed" {
		t.Fatalf("unexpected operation error: %#v", res.err)
	}
	if res := waitCall(t, good); res.err != nil {
		t.Fatalf("unrelated caller saw error: %v", res.err)
	}
	if s.State() != StateReady {
		t.Fatalf("method rejection must not change state: %s", s.State())
	}
}

func TestAuthenticateRejectedFailsHandshake(t *testing.T) {
	s, conn := newTestSession(t, Config{})
	done := make(chan error, 1)
	go func() {
		_, err := s.Handshake(context.Background(), testLogin())
		done <- err
	}()
	_ = conn.Next(t)
	conn.Deliver(`{"msg":"connected","session":"srv-1"}`)
	login := conn.NextMessage(t)
	conn.Deliver(fmt.Sprintf(`{"msg":"result","id":%q,"error":{"error":403,"reason":"User not found","message":"User not found [403]"}}`, login.ID))

	err := waitErr(t, done)
	if !errors.Is(err, ErrHandshakeFailed) || !errors.Is(err, ErrOperationRejected) {
		t.Fatalf("expected handshake failure carrying the rejection, got %v", err)
	}
	if errors.Is(err, ErrTransportFailed) {
		t.Fatalf("login rejection must not look like a transport failure: %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("unexpected state: %s", s.State())
	}
	if _, ok := s.Credential(); ok {
		t.Fatalf("credential stored after rejected login")
	}
	if _, err := s.Call(context.Background(), "rooms/get"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after failed handshake, got %v", err)
	}
}

func TestAuthenticateMalformedCredentialFailsHandshake(t *testing.T) {
	s, conn := newTestSession(t, Config{})
	done := make(chan error, 1)
	go func() {
		_, err := s.Handshake(context.Background(), testLogin())
		done <- err
	}()
	_ = conn.Next(t)
	conn.Deliver(`{"msg":"connected"}`)
	login := conn.NextMessage(t)
	conn.Deliver(fmt.Sprintf(`{"msg":"result","id":%q,"result":{"token":"t1"}}`, login.ID))

	err := waitErr(t, done)
	if !errors.Is(err, ErrHandshakeFailed) || !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected invalid credential handshake failure, got %v", err)
	}
}

func TestConnectFailedFrameFailsHandshake(t *testing.T) {
	s, conn := newTestSession(t, Config{})
	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()
	_ = conn.Next(t)
	conn.Deliver(`{"msg":"failed","version":"pre2"}`)

	err := waitErr(t, done)
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", err)
	}
	if s.State() != StateFailed || !errors.Is(s.Err(), ErrHandshakeFailed) {
		t.Fatalf("unexpected state=%s err=%v", s.State(), s.Err())
	}
}

func TestTransportDropRejectsEveryPending(t *testing.T) {
	s, conn := readySession(t, Config{})
	first := goCall(s, "rooms/get")
	_ = conn.Next(t)
	second := goCall(s, "openRoom", "GENERAL")
	_ = conn.Next(t)

	conn.Drop(io.ErrUnexpectedEOF)
	for _, ch := range []<-chan callResult{first, second} {
		if res := waitCall(t, ch); !errors.Is(res.err, ErrTransportFailed) {
			t.Fatalf("expected ErrTransportFailed, got %v", res.err)
		}
	}
	select {
	case <-s.Done():
	case <-time.After(ddptest.DefaultWait):
		t.Fatalf("reader did not exit")
	}
	if s.State() != StateFailed || !errors.Is(s.Err(), ErrTransportFailed) {
		t.Fatalf("unexpected state=%s err=%v", s.State(), s.Err())
	}
	if s.registry.Len() != 0 {
		t.Fatalf("registry not drained")
	}
}

func TestRequestTimeoutRemovesPending(t *testing.T) {
	s, conn := readySession(t, Config{})
	s.cfg.RequestTimeout = 40 * time.Millisecond
	pending := goCall(s, "rooms/get")
	call := conn.NextMessage(t)

	res := waitCall(t, pending)
	if !errors.Is(res.err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", res.err)
	}
	if s.registry.Len() != 0 {
		t.Fatalf("timed out request left in registry")
	}

	conn.Deliver(fmt.Sprintf(`{"msg":"result","id":%q,"result":true}`, call.ID))
	conn.Deliver(`{"msg":"ping"}`)
	if got := conn.Next(t); string(got) != `{"msg":"pong"}` {
		t.Fatalf("session stalled after late reply: %s", got)
	}
	if s.State() != StateReady {
		t.Fatalf("timeout must not change state: %s", s.State())
	}
}

func TestContextCancelRemovesPending(t *testing.T) {
	s, conn := readySession(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Call(ctx, "rooms/get")
		done <- err
	}()
	_ = conn.Next(t)
	cancel()
	if err := waitErr(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.registry.Len() != 0 {
		t.Fatalf("cancelled request left in registry")
	}
}

func TestSubscribeIsFireAndTrack(t *testing.T) {
	s, conn := readySession(t, Config{})

	id, err := s.Subscribe("stream-room-messages", "GENERAL", false)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub := conn.NextMessage(t)
	if sub.Msg != protocol.KindSub || sub.ID != id || sub.Name != "stream-room-messages" {
		t.Fatalf("unexpected sub frame: %+v", sub)
	}
	if s.registry.Len() != 0 {
		t.Fatalf("subscribe must not register a pending request")
	}

	added := make(chan callResult, 1)
	go func() {
		msg, err := s.AwaitSubscription(context.Background(), protocol.KindAdded, id)
		added <- callResult{msg: msg, err: err}
	}()
	waitForPending(t, s, 1)
	conn.Deliver(fmt.Sprintf(`{"msg":"added","collection":"stream-room-messages","id":%q,"fields":{"eventName":"GENERAL"}}`, id))
	res := waitCall(t, added)
	if res.err != nil || res.msg.Collection != "stream-room-messages" {
		t.Fatalf("unexpected added outcome: %+v err=%v", res.msg, res.err)
	}

	nosub := make(chan callResult, 1)
	go func() {
		msg, err := s.AwaitSubscription(context.Background(), protocol.KindAdded, id)
		nosub <- callResult{msg: msg, err: err}
	}()
	waitForPending(t, s, 1)
	conn.Deliver(fmt.Sprintf(`{"msg":"nosub","id":%q,"error":{"error":"not-authorized","reason":"Not authorized"}}`, id))
	if res := waitCall(t, nosub); !errors.Is(res.err, ErrOperationRejected) {
		t.Fatalf("expected nosub rejection, got %v", res.err)
	}

	if _, err := s.AwaitSubscription(context.Background(), protocol.KindResult, id); !errors.Is(err, ErrPreconditionViolation) {
		t.Fatalf("expected precondition violation for result kind, got %v", err)
	}
}

func waitForPending(t *testing.T, s *Session, n int) {
	t.Helper()
	deadline := time.Now().Add(ddptest.DefaultWait)
	for s.registry.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("registry len=%d want=%d", s.registry.Len(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCorrelationIDsAreMonotonic(t *testing.T) {
	s, conn := readySession(t, Config{})
	last := 1
	for i := 0; i < 5; i++ {
		id, err := s.Subscribe("stream", i)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		_ = conn.Next(t)
		n, err := strconv.Atoi(id)
		if err != nil || n <= last {
			t.Fatalf("id %q not greater than %d", id, last)
		}
		last = n
	}
}

func TestCloseLogsOutThenCloses(t *testing.T) {
	s, conn := readySession(t, Config{})
	done := make(chan error, 1)
	go func() { done <- s.Close(context.Background()) }()

	logout := conn.NextMessage(t)
	if logout.Method != "logout" {
		t.Fatalf("expected logout, got %+v", logout)
	}
	conn.Deliver(fmt.Sprintf(`{"msg":"result","id":%q}`, logout.ID))
	if err := waitErr(t, done); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("unexpected state: %s", s.State())
	}
	if !conn.Closed() {
		t.Fatalf("transport not closed")
	}
	select {
	case <-s.Done():
	case <-time.After(ddptest.DefaultWait):
		t.Fatalf("reader did not exit")
	}
	if s.State() != StateClosed {
		t.Fatalf("orderly close must not become failed: %s", s.State())
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := s.Call(context.Background(), "rooms/get"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after close, got %v", err)
	}
}

type flakyDialer struct {
	failures int
	calls    int
	conn     frame.Conn
}

func (d *flakyDialer) dial(context.Context) (frame.Conn, error) {
	d.calls++
	if d.calls <= d.failures {
		return nil, errors.New("connection refused")
	}
	return d.conn, nil
}

func TestOpenRetriesDialWithBackoff(t *testing.T) {
	testlog.Start(t)
	conn := ddptest.NewConn()
	t.Cleanup(func() { conn.Drop(nil) })
	d := &flakyDialer{failures: 2, conn: conn}
	s := New(Config{
		MaxConnectAttempts: 3,
		Backoff:            BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1},
	})
	if err := s.Open(context.Background(), d.dial); err != nil {
		t.Fatalf("open: %v", err)
	}
	if d.calls != 3 || s.State() != StateConnecting {
		t.Fatalf("unexpected calls=%d state=%s", d.calls, s.State())
	}
}

func TestOpenGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	d := &flakyDialer{failures: 5}
	s := New(Config{
		MaxConnectAttempts: 2,
		Backoff:            BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1},
	})
	err := s.Open(context.Background(), d.dial)
	if !errors.Is(err, ErrTransportFailed) {
		t.Fatalf("expected ErrTransportFailed, got %v", err)
	}
	if d.calls != 2 || s.State() != StateFailed {
		t.Fatalf("unexpected calls=%d state=%s", d.calls, s.State())
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.URL = ""
	if err := cfg.Validate(); !errors.Is(err, ErrURLRequired) {
		t.Fatalf("expected ErrURLRequired, got %v", err)
	}
	cfg.URL = "ftp://localhost"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) || !errors.Is(err, frame.ErrInvalidURL) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg = DefaultConfig()
	cfg.MaxConnectAttempts = -1
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidAttempts) {
		t.Fatalf("expected ErrInvalidAttempts, got %v", err)
	}
}

func TestCredentialExpired(t *testing.T) {
	testlog.Start(t)
	cred, err := parseCredential(json.RawMessage(loginResultJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cred.Expired(time.UnixMilli(1700000000000)) {
		t.Fatalf("expected expired at expiry instant")
	}
	if cred.Expired(time.UnixMilli(1699999999999)) {
		t.Fatalf("unexpected expiry before instant")
	}
	if (Credential{}).Expired(time.Now()) {
		t.Fatalf("zero expiry must never expire")
	}
}

func TestBareErrorPayloadRejectsCaller(t *testing.T) {
	s, conn := readySession(t, Config{})
	pending := goCall(s, "rooms/get")
	call := conn.NextMessage(t)

	conn.Deliver(fmt.Sprintf(`{"msg":"result","id":%q,"error":"server-error"}`, call.ID))
	res := waitCall(t, pending)
	if !errors.Is(res.err, ErrOperationRejected) {
		t.Fatalf("expected ErrOperationRejected, got %v", res.err)
	}
	var opErr *OperationError
	if !errors.As(res.err, &opErr) || opErr.Remote.Code != "server-error" {
		t.Fatalf("unexpected operation error: %#v", res.err)
	}
	if s.State() != StateReady {
		t.Fatalf("rejection must not change state: %s", s.State())
	}
}

func goAwait(s *Session, kind protocol.Kind, id string) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		msg, err := s.AwaitSubscription(context.Background(), kind, id)
		ch <- callResult{msg: msg, err: err}
	}()
	return ch
}

func TestSubscriptionReadyResolvesEachListedID(t *testing.T) {
	s, conn := readySession(t, Config{})
	first, err := s.Subscribe("stream-room-messages", "GENERAL", false)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = conn.Next(t)
	second, err := s.Subscribe("stream-notify-user", "u1/message", false)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = conn.Next(t)

	readyFirst := goAwait(s, protocol.KindReady, first)
	readySecond := goAwait(s, protocol.KindReady, second)
	waitForPending(t, s, 2)

	conn.Deliver(fmt.Sprintf(`{"msg":"ready","subs":[%q,%q]}`, first, second))
	for _, ch := range []<-chan callResult{readyFirst, readySecond} {
		res := waitCall(t, ch)
		if res.err != nil || res.msg.Msg != protocol.KindReady {
			t.Fatalf("unexpected ready outcome: %+v err=%v", res.msg, res.err)
		}
	}
	if s.registry.Len() != 0 {
		t.Fatalf("ready waiters left in registry: %d", s.registry.Len())
	}
}

func TestNoSubRejectsEverySubscriptionWaiter(t *testing.T) {
	s, conn := readySession(t, Config{})
	id, err := s.Subscribe("stream-room-messages", "PRIVATE", false)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = conn.Next(t)

	waiters := []<-chan callResult{
		goAwait(s, protocol.KindAdded, id),
		goAwait(s, protocol.KindUpdated, id),
		goAwait(s, protocol.KindReady, id),
	}
	waitForPending(t, s, 3)
	other := goCall(s, "rooms/get")
	call := conn.NextMessage(t)

	conn.Deliver(fmt.Sprintf(`{"msg":"nosub","id":%q,"error":{"error":"not-authorized","reason":"Not authorized"}}`, id))
	for _, ch := range waiters {
		if res := waitCall(t, ch); !errors.Is(res.err, ErrOperationRejected) {
			t.Fatalf("expected nosub rejection, got %v", res.err)
		}
	}

	conn.Deliver(fmt.Sprintf(`{"msg":"result","id":%q,"result":[]}`, call.ID))
	if res := waitCall(t, other); res.err != nil {
		t.Fatalf("unrelated call disturbed by nosub: %v", res.err)
	}
}

// writableConn keeps accepting writes after Close so a request issued against
// a failed session cannot fail on the write.
type writableConn struct {
	*ddptest.Conn
}

func (c writableConn) WriteMessage(int, []byte) error { return nil }

func TestRequestAfterFailureDoesNotWaitForTimeout(t *testing.T) {
	testlog.Start(t)
	inner := ddptest.NewConn()
	s := New(Config{RequestTimeout: 5 * time.Second})
	if err := s.Attach(writableConn{inner}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	inner.Drop(io.ErrUnexpectedEOF)
	select {
	case <-s.Done():
	case <-time.After(ddptest.DefaultWait):
		t.Fatalf("reader did not exit")
	}

	start := time.Now()
	_, err := s.await(context.Background(), MethodCommand("rooms/get"))
	if !errors.Is(err, ErrTransportFailed) {
		t.Fatalf("expected ErrTransportFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("request on failed session blocked for %s", elapsed)
	}
	if s.registry.Len() != 0 {
		t.Fatalf("request registered on failed session")
	}
	if _, err := s.register(protocol.KindAdded, "9"); !errors.Is(err, ErrTransportFailed) {
		t.Fatalf("expected ErrTransportFailed from register, got %v", err)
	}
}
