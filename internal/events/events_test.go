package events

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBrokerBroadcastsToAllSubscribers(t *testing.T) {
	b := NewBroker(zap.NewNop())
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(EventTypeServerStatus, ServerStatusData{ServerName: "github", State: "running", StartupPercentage: 100})

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case event := <-sub.Events:
			if event.Type != EventTypeServerStatus {
				t.Errorf("event type = %s", event.Type)
			}
			var data ServerStatusData
			if err := json.Unmarshal(event.Data, &data); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if data.ServerName != "github" || data.StartupPercentage != 100 {
				t.Errorf("unexpected payload %+v", data)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received event")
		}
	}
}

func TestUnsubscribedSubscriberGetsNothing(t *testing.T) {
	b := NewBroker(zap.NewNop())
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	b.Publish(EventTypeMachineProgress, MachineProgressData{Percentage: 50, Message: "Starting machine"})

	select {
	case event, ok := <-sub.Events:
		if ok {
			t.Fatalf("closed subscriber received event %v", event)
		}
	default:
	}

	select {
	case <-sub.Done():
	default:
		t.Error("Done channel not closed after unsubscribe")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker(zap.NewNop())
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(EventTypeMachineProgress, MachineProgressData{Percentage: i % 100})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
