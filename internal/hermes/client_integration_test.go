//go:build integration

package hermes

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_FindingEventDelivered(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := NewClient(ctx, natsURL, os.Getenv("NATS_TOKEN"), slog.Default())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	received := make(chan FindingEvent, 1)
	err = client.Subscribe("vex.finding.>", func(subject string, data []byte) {
		if subject != SubjectFindingVerified {
			return
		}
		var evt FindingEvent
		if err := json.Unmarshal(data, &evt); err == nil {
			received <- evt
		}
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := client.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	sent := FindingEvent{FindingID: "integration", Status: "verified", Category: "simple"}
	if err := client.Publish(SubjectFindingVerified, sent); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case evt := <-received:
		if evt != sent {
			t.Errorf("expected %+v, got %+v", sent, evt)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for finding event")
	}
}
