package indexer

import "testing"

func TestPublisherDeliversToSubscriber(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe("sess-1")

	p.Publish(ProgressEvent{SessionID: "sess-1", Type: EventMetricsUpdate})

	select {
	case event := <-sub.Events():
		if event.SessionID != "sess-1" {
			t.Errorf("SessionID = %q, want sess-1", event.SessionID)
		}
	default:
		t.Fatal("expected an event to be delivered")
	}
}

func TestPublisherNoBackfill(t *testing.T) {
	p := NewPublisher()
	p.Publish(ProgressEvent{SessionID: "sess-1"}) // published before any subscriber exists

	sub := p.Subscribe("sess-1")
	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected backfilled event: %+v", event)
	default:
	}
}

func TestPublisherIsolatesSessions(t *testing.T) {
	p := NewPublisher()
	subA := p.Subscribe("sess-a")
	subB := p.Subscribe("sess-b")

	p.Publish(ProgressEvent{SessionID: "sess-a"})

	select {
	case <-subA.Events():
	default:
		t.Fatal("sess-a subscriber should have received its event")
	}
	select {
	case <-subB.Events():
		t.Fatal("sess-b subscriber should not receive sess-a's event")
	default:
	}
}

func TestPublisherDropsOldestNonTerminalOnOverflow(t *testing.T) {
	p := NewPublisher()
	p.queueSize = 2
	sub := p.Subscribe("sess-1")

	p.Publish(ProgressEvent{SessionID: "sess-1", Message: "first"})
	p.Publish(ProgressEvent{SessionID: "sess-1", Message: "second"})
	p.Publish(ProgressEvent{SessionID: "sess-1", Message: "third"})

	var got []string
	for {
		select {
		case e := <-sub.Events():
			got = append(got, e.Message)
			continue
		default:
		}
		break
	}

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (queue size)", len(got))
	}
	if got[0] != "second" || got[1] != "third" {
		t.Errorf("got %v, want [second third] (oldest dropped)", got)
	}
}

func TestPublisherNeverDropsTerminalEvent(t *testing.T) {
	p := NewPublisher()
	p.queueSize = 1
	sub := p.Subscribe("sess-1")

	p.Publish(ProgressEvent{SessionID: "sess-1", Message: "filler"})
	p.Publish(ProgressEvent{SessionID: "sess-1", Message: "terminal", State: StateCompleted})

	var got []string
	for e := range sub.Events() {
		got = append(got, e.Message)
	}

	if len(got) == 0 || got[len(got)-1] != "terminal" {
		t.Fatalf("got %v, want terminal event present and last", got)
	}
}

func TestPublisherClosesChannelAfterTerminalEvent(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe("sess-1")

	p.Publish(ProgressEvent{SessionID: "sess-1", State: StateCompleted})

	_, ok := <-sub.Events()
	if ok {
		_, ok = <-sub.Events()
	}
	if ok {
		t.Error("channel should be closed after terminal event delivery")
	}
}

func TestPublisherUnsubscribe(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe("sess-1")
	p.Unsubscribe("sess-1", sub)

	p.Publish(ProgressEvent{SessionID: "sess-1"})

	if _, ok := <-sub.Events(); ok {
		t.Error("unsubscribed subscriber should not receive events")
	}
}
