package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matrix-tools/syn2mas/internal/config"
)

func TestDisabledNotifierIsNoop(t *testing.T) {
	n := New(&config.NotifyConfig{})
	if n.IsEnabled() {
		t.Fatal("notifier enabled without webhook URL")
	}
	if err := n.MigrationStarted("run-1", "example.com", false); err != nil {
		t.Errorf("disabled notifier returned error: %v", err)
	}
}

func TestWebhookEvents(t *testing.T) {
	var events []Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decoding event: %v", err)
		}
		events = append(events, ev)
	}))
	defer srv.Close()

	n := New(&config.NotifyConfig{Enabled: true, WebhookURL: srv.URL})

	if err := n.MigrationStarted("run-1", "example.com", true); err != nil {
		t.Fatalf("MigrationStarted: %v", err)
	}
	if err := n.MigrationCompleted("run-1", 90*time.Second, 1234, 2); err != nil {
		t.Fatalf("MigrationCompleted: %v", err)
	}
	if err := n.MigrationFailed("run-1", errors.New("mas unreachable"), time.Second); err != nil {
		t.Fatalf("MigrationFailed: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Event != "migration_started" || !events[0].Resumed {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Rows != 1234 || events[1].Duration != "1m30s" {
		t.Errorf("completed event = %+v", events[1])
	}
	if events[2].Error != "mas unreachable" {
		t.Errorf("failed event = %+v", events[2])
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(&config.NotifyConfig{Enabled: true, WebhookURL: srv.URL})
	if err := n.MigrationStarted("run-1", "example.com", false); err == nil {
		t.Fatal("expected error on non-2xx status")
	}
}
