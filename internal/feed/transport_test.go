package feed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"civicsync/internal/models"
)

func TestRedisTransportRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	transport := NewRedisTransport(client)
	publisher := NewPublisher(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.Subscribe(ctx, ChannelName("reports", ""))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer conn.Close()

	record, _ := json.Marshal(models.Report{ID: "r1", Status: models.StatusAcknowledged})
	if err := publisher.Publish(ctx, Event{
		Resource: "reports",
		Action:   ActionUpdate,
		RecordID: "r1",
		New:      record,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ev, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if ev.Resource != "reports" || ev.Action != ActionUpdate || ev.RecordID != "r1" {
		t.Fatalf("event = %+v", ev)
	}
	var got models.Report
	if err := json.Unmarshal(ev.New, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.ID != "r1" || got.Status != models.StatusAcknowledged {
		t.Fatalf("payload = %+v", got)
	}
}

func TestRedisTransportSkipsMalformedPayloads(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	transport := NewRedisTransport(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.Subscribe(ctx, ChannelName("reports", ""))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer conn.Close()

	if err := client.Publish(ctx, ChannelName("reports", ""), "not json").Err(); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	valid, _ := json.Marshal(Event{Resource: "reports", Action: ActionDelete, RecordID: "r2"})
	if err := client.Publish(ctx, ChannelName("reports", ""), valid).Err(); err != nil {
		t.Fatalf("publish valid: %v", err)
	}

	ev, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if ev.RecordID != "r2" || ev.Action != ActionDelete {
		t.Fatalf("event = %+v, want the valid one only", ev)
	}
}

func TestChannelName(t *testing.T) {
	if got := ChannelName("reports", ""); got != "feed:reports" {
		t.Fatalf("ChannelName = %q", got)
	}
	if got := ChannelName("reports", "assigned:w1"); got != "feed:reports:assigned:w1" {
		t.Fatalf("ChannelName with filter = %q", got)
	}
}
