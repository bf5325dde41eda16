package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "blossom-gate/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: ChannelLog}
	b := &recordingNotifier{channel: ChannelSlack, err: errors.New("boom")}
	dispatcher := NewFanout(a, b, nil)

	err := dispatcher.Notify(context.Background(), Event{Code: "MINT_FAILED", RecordID: "r1"})
	if err == nil || !strings.Contains(err.Error(), "slack") {
		t.Fatalf("expected slack error to surface, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both notifiers to receive the event")
	}
	if a.events[0].OccurredAt.IsZero() {
		t.Fatal("OccurredAt should be filled in")
	}
}

func TestFromErrorCarriesMetadata(t *testing.T) {
	err := xerrors.Wrap(xerrors.CodeUpstreamFailure, errors.New("dial"), "rpc down", xerrors.WithMetadata("chain", "base_sepolia"))
	event := FromError(err, "rec-1", "sess-1")
	if event.Code != xerrors.CodeUpstreamFailure || event.RecordID != "rec-1" || event.SessionID != "sess-1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["chain"] != "base_sepolia" {
		t.Fatalf("metadata not propagated: %+v", event.Metadata)
	}
}

func TestSlackWebhookSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := &SlackNotifier{Sender: NewWebhookSender(srv.URL)}
	event := Event{Code: "MINT_FAILED", Severity: xerrors.SeverityCritical, Message: "reverted", RecordID: "r9", Metadata: map[string]string{"tx_hash": "0xabc"}}
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	text := got["text"]
	if !strings.Contains(text, "MINT_FAILED") || !strings.Contains(text, "r9") || !strings.Contains(text, "0xabc") {
		t.Fatalf("unexpected slack payload %q", text)
	}
}

func TestSlackWebhookSenderReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no_service", http.StatusNotFound)
	}))
	defer srv.Close()

	if err := NewWebhookSender(srv.URL).Send(context.Background(), "hi"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}
