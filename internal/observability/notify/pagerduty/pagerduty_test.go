package pagerduty

import (
	"testing"
	"time"

	"github.com/buildingvitals/timeseries-api/internal/observability/notify"
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

	payload := notify.JobFailurePayload{
		JobID:      "123",
		Site:       "ses_falls_city",
		Category:   "SYSTEM_ERROR",
		Error:      "boom",
		ErrorClass: "server_fault",
	}
	event := client.buildEvent(payload)

	if event["dedup_key"] != "123" {
		t.Fatalf("expected job id as dedup key, got %v", event["dedup_key"])
	}

	payloadSection, ok := event["payload"].(map[string]any)
	if !ok {
		t.Fatalf("expected payload section")
	}
	if payloadSection["severity"] != notify.SeverityCritical {
		t.Fatalf("expected default severity, got %v", payloadSection["severity"])
	}
	if payloadSection["source"] != "timeseries-api" {
		t.Fatalf("expected default source, got %v", payloadSection["source"])
	}
	if payloadSection["component"] != "fetch-worker" {
		t.Fatalf("expected default component, got %v", payloadSection["component"])
	}

	custom, ok := payloadSection["custom_details"].(map[string]any)
	if !ok {
		t.Fatalf("expected custom details")
	}
	required := []string{"job_id", "site", "category", "error", "error_class"}
	for _, key := range required {
		if _, exists := custom[key]; !exists {
			t.Fatalf("expected key %s in custom details", key)
		}
	}
}

func TestBuildEventMetadataMerge(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := client.buildEvent(notify.JobFailurePayload{
		JobID: "1",
		Error: "boom",
		Metadata: map[string]string{
			"retry_count": "3",
			"error":       "should not clobber",
		},
	})

	payloadSection := event["payload"].(map[string]any)
	custom := payloadSection["custom_details"].(map[string]any)
	if custom["retry_count"] != "3" {
		t.Fatalf("expected metadata merged, got %v", custom["retry_count"])
	}
	if custom["error"] != "boom" {
		t.Fatalf("expected canonical field to win, got %v", custom["error"])
	}
}
