package pagerduty

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/target/outbound-dispatch/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when routing key missing")
	}
}

func TestBuildEventDefaults(t *testing.T) {
	client, err := NewClient(Config{
		RoutingKey: "key",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := client.buildEvent(notify.JobFailurePayload{
		JobID:        "123",
		JobType:      "outbound_dispatch",
		CampaignID:   "camp-1",
		Status:       "stalled",
		AttemptsMade: 1,
		Error:        "boom",
		ErrorClass:   "stall_timeout",
	})

	payloadSection, ok := event["payload"].(map[string]any)
	if !ok {
		t.Fatalf("expected payload section")
	}
	if payloadSection["severity"] != notify.SeverityCritical {
		t.Fatalf("expected default severity, got %v", payloadSection["severity"])
	}
	if payloadSection["source"] != "outbound-dispatch" {
		t.Fatalf("expected default source, got %v", payloadSection["source"])
	}
	if payloadSection["component"] != "scheduler" {
		t.Fatalf("expected default component, got %v", payloadSection["component"])
	}
	if summary, _ := payloadSection["summary"].(string); !strings.Contains(summary, "stalled") {
		t.Fatalf("expected summary to name the status, got %q", summary)
	}

	custom, ok := payloadSection["custom_details"].(map[string]any)
	if !ok {
		t.Fatalf("expected custom details")
	}

	for _, key := range []string{"job_id", "job_type", "status", "attempts_made", "error", "error_class", "campaign_id"} {
		if _, exists := custom[key]; !exists {
			t.Fatalf("expected key %s in custom details", key)
		}
	}
	if _, exists := custom["channel"]; exists {
		t.Fatal("empty channel should be omitted")
	}

	dedup, _ := event["dedup_key"].(string)
	if !strings.Contains(dedup, "123") {
		t.Fatalf("expected dedup key to reference job id, got %s", dedup)
	}
}

func TestSendJobFailureReportsAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["routing_key"] != "key" {
			t.Errorf("unexpected routing key %v", body["routing_key"])
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"invalid event"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{RoutingKey: "key", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = client.SendJobFailure(t.Context(), notify.JobFailurePayload{JobID: "job-1"})
	if err == nil || !strings.Contains(err.Error(), "invalid event") {
		t.Fatalf("expected api error, got %v", err)
	}
}
