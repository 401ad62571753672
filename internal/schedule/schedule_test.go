package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "taskmill/pkg/logx"
)

func TestParseSpecVariants(t *testing.T) {
	t.Parallel()
	valid := []string{
		"*/5 * * * *",
		"0 3 * * *",
		"@hourly",
		"@daily",
		"@every 90s",
	}
	for _, spec := range valid {
		if _, err := ParseSpec(spec); err != nil {
			t.Fatalf("ParseSpec(%q) error: %v", spec, err)
		}
	}

	invalid := []string{"", "not cron", "61 * * * *", "@every"}
	for _, spec := range invalid {
		if _, err := ParseSpec(spec); err == nil {
			t.Fatalf("ParseSpec(%q) accepted", spec)
		}
	}
}

func TestEntryValidate(t *testing.T) {
	t.Parallel()
	good := Entry{Name: "nightly", Spec: "@daily", Kind: "report"}
	if err := good.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	tests := []struct {
		name  string
		entry Entry
	}{
		{"missing name", Entry{Spec: "@daily", Kind: "report"}},
		{"missing kind", Entry{Name: "x", Spec: "@daily"}},
		{"bad spec", Entry{Name: "x", Kind: "report", Spec: "whenever"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.entry.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewRejectsBadEntries(t *testing.T) {
	t.Parallel()
	submit := func(ctx context.Context, kind string, payload []byte, priority int) (string, error) {
		return "id", nil
	}
	if _, err := New([]Entry{{Name: "x", Kind: "k", Spec: "bogus"}}, submit, logx.Nop()); err == nil {
		t.Fatal("bad spec accepted")
	}
	if _, err := New(nil, nil, logx.Nop()); err == nil {
		t.Fatal("nil submit accepted")
	}
}

func TestServiceFiresSubmissions(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	type call struct {
		kind     string
		payload  string
		priority int
	}
	var calls []call
	submit := func(ctx context.Context, kind string, payload []byte, priority int) (string, error) {
		mu.Lock()
		calls = append(calls, call{kind: kind, payload: string(payload), priority: priority})
		mu.Unlock()
		return "id", nil
	}

	svc, err := New([]Entry{
		{Name: "tick", Spec: "@every 50ms", Kind: "heartbeat", Payload: []byte("ping"), Priority: 2},
	}, submit, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		svc.Stop(stopCtx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(calls)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduler never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	got := calls[0]
	mu.Unlock()
	if got.kind != "heartbeat" || got.payload != "ping" || got.priority != 2 {
		t.Fatalf("unexpected submission %+v", got)
	}
}

func TestServiceStartIdempotent(t *testing.T) {
	t.Parallel()
	submit := func(ctx context.Context, kind string, payload []byte, priority int) (string, error) {
		return "id", nil
	}
	svc, err := New(nil, submit, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(stopCtx)
	svc.Stop(stopCtx)
}
