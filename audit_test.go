package authcore

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

type captureSink struct {
	events chan AuditEvent
}

func newCaptureSink(buffer int) *captureSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &captureSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *captureSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{
		gate: make(chan struct{}),
	}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

func newAuditEngine(t *testing.T, cfg Config, sink AuditSink) (*Engine, *captureDelivery) {
	t.Helper()
	_, client := newTestRedis(t)
	delivery := &captureDelivery{}
	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithProviders(NewPasswordProvider(), &EmailProvider{}).
		WithDelivery(delivery).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, delivery
}

func collectAuditEvents(sink *captureSink, max int, wait time.Duration) []AuditEvent {
	events := make([]AuditEvent, 0, max)
	timeout := time.After(wait)
	for len(events) < max {
		select {
		case ev := <-sink.events:
			events = append(events, ev)
		case <-timeout:
			return events
		}
	}
	return events
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = false

	sink := &countingSink{}
	engine, _ := newAuditEngine(t, cfg, sink)

	mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	_, _ = engine.SignIn(context.Background(), passwordRequest("ada@example.com", "wrong password here"))
	time.Sleep(30 * time.Millisecond)

	if sink.Count() != 0 {
		t.Fatalf("expected no audit sink calls when disabled, got %d", sink.Count())
	}
}

func TestAuditFailureEventCarriesRequestContext(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 16
	cfg.Audit.DropIfFull = true

	sink := newCaptureSink(16)
	engine, _ := newAuditEngine(t, cfg, sink)

	mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))

	ctx := WithUserAgent(WithClientIP(context.Background(), "198.51.100.33"), "authcore-test/1.0")
	_, _ = engine.SignIn(ctx, passwordRequest("ada@example.com", "wrong password here"))

	var failure *AuditEvent
	for _, ev := range collectAuditEvents(sink, 8, 2*time.Second) {
		if ev.EventType == "sign_in_failure" {
			failure = &ev
			break
		}
	}
	if failure == nil {
		t.Fatal("expected a sign_in_failure event")
	}
	if failure.IP != "198.51.100.33" {
		t.Errorf("event IP = %q, want the context IP", failure.IP)
	}
	if failure.UserAgent != "authcore-test/1.0" {
		t.Errorf("event user agent = %q, want the context user agent", failure.UserAgent)
	}
	if failure.Provider != "password" {
		t.Errorf("event provider = %q, want password", failure.Provider)
	}
	if failure.Success {
		t.Error("failure event flagged successful")
	}
	if strings.Contains(failure.Error, "wrong password here") {
		t.Fatal("submitted password leaked into the error field")
	}
}

func TestAuditBufferFullDropIfFullTrueDoesNotBlock(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	start := time.Now()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected non-blocking emit when DropIfFull is true")
	}
	if dispatcher.Dropped() == 0 {
		t.Fatal("expected dropped counter to increment when queue is full")
	}
}

func TestAuditBufferFullDropIfFullFalseBlocksUntilSpace(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: false,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	done := make(chan struct{})
	go func() {
		dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected emit to block while buffer is full")
	case <-time.After(150 * time.Millisecond):
	}

	sink.gate <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected blocked emit to proceed after space is available")
	}
}

func TestAuditJSONWriterSinkWritesJSONLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: auditEventSignInSuccess,
		UserID:    "u1",
		IP:        "127.0.0.1",
		Success:   true,
	})

	if !buf.Contains("sign_in_success") {
		t.Fatal("expected JSON log line to contain the event type")
	}
	if !buf.Contains("\"user_id\":\"u1\"") {
		t.Fatal("expected JSON log line to contain the user id")
	}
}

func TestAuditDispatcherCloseIdempotentAndEmitAfterCloseSafe(t *testing.T) {
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 4,
		DropIfFull: true,
	}, &countingSink{})

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Close()
	dispatcher.Close()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})
}

func TestAuditNoSecretsInEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 64
	cfg.Audit.DropIfFull = false

	sink := newCaptureSink(64)
	engine, delivery := newAuditEngine(t, cfg, sink)
	ctx := context.Background()

	sensitivePassword := "correct horse battery"
	signedIn := mustSignIn(t, engine, passwordRequest("ada@example.com", sensitivePassword))

	rotated, err := engine.Refresh(ctx, signedIn.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Run a code flow so a live verification code is in play too.
	started, err := engine.SignIn(ctx, SignInRequest{
		Provider: "email",
		Params:   map[string]string{"email": "grace@example.com"},
	})
	if err != nil {
		t.Fatalf("starting email flow: %v", err)
	}
	code := delivery.last(t).Code
	if _, err := engine.SignIn(ctx, SignInRequest{
		Provider: "email",
		Params:   map[string]string{"code": code},
		Verifier: started.Started.Verifier,
	}); err != nil {
		t.Fatalf("completing email flow: %v", err)
	}

	secretNeedles := []string{
		sensitivePassword,
		signedIn.Tokens.RefreshToken,
		signedIn.Tokens.AccessToken,
		rotated.RefreshToken,
		code,
	}

	events := collectAuditEvents(sink, 16, 2*time.Second)
	if len(events) == 0 {
		t.Fatal("expected at least one audit event")
	}

	for _, ev := range events {
		for _, needle := range secretNeedles {
			if needle == "" {
				continue
			}
			if strings.Contains(ev.Error, needle) {
				t.Fatalf("sensitive value leaked in audit error field of %s", ev.EventType)
			}
			for k, v := range ev.Metadata {
				if strings.Contains(k, needle) || strings.Contains(v, needle) {
					t.Fatalf("sensitive value leaked in audit metadata of %s", ev.EventType)
				}
			}
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) Contains(v string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(string(b.buf), v)
}
