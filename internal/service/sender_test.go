package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/LeventeLantos/staged-messaging/internal/client"
	"github.com/LeventeLantos/staged-messaging/internal/metrics"
	"github.com/LeventeLantos/staged-messaging/internal/model"
	"github.com/LeventeLantos/staged-messaging/internal/service"
)

func staged(id, content string) model.StagedMessage {
	return model.StagedMessage{
		ID:             id,
		Content:        content,
		PatientID:      "p1",
		ConversationID: "c1",
		Status:         model.Sending,
	}
}

func TestSender_DeliversOn202(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":   true,
			"messageId": "67f2f8a8-ea58-4ed0-a6f9-ff217df4d849",
		})
	}))
	t.Cleanup(srv.Close)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var (
		mu        sync.Mutex
		sentIDs   []string
		remoteIDs []string
	)

	sender := service.NewSender(client.NewMessagingClient(srv.URL, ""), 160).
		WithMetrics(m).
		WithLimiter(100, 1).
		WithTimeout(time.Second).
		WithHooks(
			func(ctx context.Context, messageID, remoteMessageID string) error {
				mu.Lock()
				defer mu.Unlock()
				sentIDs = append(sentIDs, messageID)
				remoteIDs = append(remoteIDs, remoteMessageID)
				return nil
			},
			func(ctx context.Context, messageID, reason string) error {
				t.Errorf("did not expect failure hook, got id=%s reason=%s", messageID, reason)
				return nil
			},
		)

	remoteID, err := sender.Deliver(context.Background(), staged("stg_1", "hello"))
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if remoteID != "67f2f8a8-ea58-4ed0-a6f9-ff217df4d849" {
		t.Fatalf("unexpected remote id %q", remoteID)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(sentIDs) != 1 || sentIDs[0] != "stg_1" {
		t.Fatalf("expected sent hook for stg_1, got %+v", sentIDs)
	}
	if len(remoteIDs) != 1 || remoteIDs[0] != remoteID {
		t.Fatalf("expected remote messageId in hook, got %+v", remoteIDs)
	}
	if got := testutil.ToFloat64(m.ProviderSendTotal.WithLabelValues("sent")); got != 1 {
		t.Fatalf("expected sent counter 1, got %v", got)
	}
}

func TestSender_FailsWhenContentTooLong(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}

	var (
		mu      sync.Mutex
		failed  []string
		reasons []string
	)

	sender := service.NewSender(fc, 3).WithHooks(
		func(ctx context.Context, messageID, remoteMessageID string) error {
			t.Errorf("did not expect sent hook")
			return nil
		},
		func(ctx context.Context, messageID, reason string) error {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, messageID)
			reasons = append(reasons, reason)
			return nil
		},
	)

	_, err := sender.Deliver(context.Background(), staged("stg_10", "abcd"))
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "content exceeds 3 chars") {
		t.Fatalf("unexpected error: %v", err)
	}
	if fc.calls != 0 {
		t.Fatalf("client must not be called, got %d calls", fc.calls)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(failed) != 1 || failed[0] != "stg_10" {
		t.Fatalf("expected failed id=stg_10, got %+v", failed)
	}
	if len(reasons) != 1 || reasons[0] == "" {
		t.Fatalf("expected a reason, got %+v", reasons)
	}
}

func TestSender_RuneCountNotBytes(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	sender := service.NewSender(fc, 3)

	if _, err := sender.Deliver(context.Background(), staged("stg_1", "äöü")); err != nil {
		t.Fatalf("expected 3 runes to fit, got %v", err)
	}
}

func TestSender_MissingPatientRejected(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	m := staged("stg_1", "hello")
	m.PatientID = " "

	if _, err := service.NewSender(fc, 100).Deliver(context.Background(), m); err == nil {
		t.Fatalf("expected error for missing patient id")
	}
	if fc.calls != 0 {
		t.Fatalf("client must not be called")
	}
}

func TestSender_PropagatesClientError(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{err: errors.New("network error")}
	_, err := service.NewSender(fc, 100).Deliver(context.Background(), staged("stg_1", "hello"))
	if err == nil || err.Error() != "network error" {
		t.Fatalf("expected network error, got %v", err)
	}
	if fc.calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", fc.calls)
	}
}

func TestSender_TimeoutBoundsSlowProvider(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{block: true}
	sender := service.NewSender(fc, 100).WithTimeout(20 * time.Millisecond)

	start := time.Now()
	_, err := sender.Deliver(context.Background(), staged("stg_1", "hello"))
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not applied")
	}
}

type fakeClient struct {
	mu    sync.Mutex
	calls int
	err   error
	block bool
}

func (f *fakeClient) Send(ctx context.Context, patientID, conversationID, content string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	return "ignored", nil
}
