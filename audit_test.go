package keyfold

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestAuditDispatcherDeliversToSink(t *testing.T) {
	sink := NewChannelSink(16)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 16, DropIfFull: true}, sink)
	if d == nil {
		t.Fatal("enabled dispatcher is nil")
	}

	d.Emit(context.Background(), AuditEvent{EventType: "sign_in_success", UserID: "u1", Success: true})
	d.Close()

	select {
	case event := <-sink.Events():
		if event.EventType != "sign_in_success" || event.UserID != "u1" || !event.Success {
			t.Errorf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("event never reached the sink")
	}
}

func TestAuditDispatcherDisabled(t *testing.T) {
	if d := newAuditDispatcher(AuditConfig{Enabled: false}, NoOpSink{}); d != nil {
		t.Fatal("disabled dispatcher should be nil")
	}
	// Nil receivers are safe no-ops.
	var d *auditDispatcher
	d.Emit(context.Background(), AuditEvent{})
	d.Close()
	if d.Dropped() != 0 {
		t.Error("nil dispatcher reported drops")
	}
}

func TestAuditDispatcherDropAccounting(t *testing.T) {
	// A sink that blocks forever forces the buffer to fill.
	blocked := make(chan struct{})
	sink := blockingSink{release: blocked}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// First event may be in-flight, second fills the buffer; everything
	// after that must be dropped, not block.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: "e"})
	}
	if d.Dropped() == 0 {
		t.Error("no drops recorded with a saturated buffer")
	}
	close(blocked)
	d.Close()
}

type blockingSink struct {
	release chan struct{}
}

func (s blockingSink) Emit(ctx context.Context, event AuditEvent) {
	<-s.release
}

func TestJSONWriterSinkWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{EventType: "a", Success: true})
	sink.Emit(context.Background(), AuditEvent{EventType: "b"})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var event AuditEvent
	if err := json.Unmarshal(lines[0], &event); err != nil {
		t.Fatalf("line not valid JSON: %v", err)
	}
	if event.EventType != "a" || !event.Success {
		t.Errorf("unexpected decoded event %+v", event)
	}
}

func TestClassifyAuditError(t *testing.T) {
	cases := []struct {
		err  error
		want auditErrorCode
	}{
		{nil, ""},
		{ErrInvalidCredentials, auditErrInvalidCredentials},
		{ErrSignUpRejected, auditErrInvalidCredentials},
		{ErrIdentifierConflict, auditErrConflict},
		{ErrRateLimited, auditErrRateLimited},
		{ErrRecoveryLevelInsufficient, auditErrRecoveryGate},
		{ErrLegacyDisabled, auditErrLegacyDisabled},
		{ErrUnsupportedQuery, auditErrUnsupportedQuery},
		{ErrVerificationAttempts, auditErrAttemptsExceeded},
		{context.DeadlineExceeded, auditErrInternal},
	}
	for _, c := range cases {
		if got := classifyAuditError(c.err); got != c.want {
			t.Errorf("classifyAuditError(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}
