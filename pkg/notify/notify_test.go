package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pipelex/pkg/models"
)

func TestNotifySkippedWhenGatedOff(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	n := NewWebhookNotifier(Config{WebhookURL: srv.URL, NotifyOnSuccess: false, NotifyOnFailure: true})
	err := n.Notify(context.Background(), RunSummary{Success: true})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if called {
		t.Error("webhook should not have been called for a gated-off success notification")
	}
}

func TestNotifyDeliversPayload(t *testing.T) {
	var received RunSummary
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(Config{WebhookURL: srv.URL, NotifyOnFailure: true})
	summary := RunSummary{ApplicationName: "nightly", RunID: 7, Success: false, Status: "FAILED"}
	if err := n.Notify(context.Background(), summary); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if received.RunID != 7 || received.ApplicationName != "nightly" {
		t.Errorf("received = %+v, want run_id=7 application_name=nightly", received)
	}
}

func TestNotifyNoWebhookIsNoop(t *testing.T) {
	n := NewWebhookNotifier(Config{})
	if err := n.Notify(context.Background(), RunSummary{}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
}

func TestSummaryFromRunMapsSuccess(t *testing.T) {
	run := models.Run{RunID: 1, Status: models.RunSuccess, TotalJobs: 3, CompletedJobs: 3}
	s := SummaryFromRun(run)
	if !s.Success {
		t.Error("expected Success = true for RunSuccess status")
	}
}
