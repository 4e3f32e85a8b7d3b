package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 10)
	bus.Subscribe(TypeAccountFetched, received)

	bus.Publish(Event{
		Type:      TypeAccountFetched,
		DID:       "did:plc:abc123",
		Timestamp: time.Now(),
		Data:      map[string]string{"host": "pds.example.com"},
	})

	select {
	case evt := <-received:
		if evt.Type != TypeAccountFetched {
			t.Errorf("expected %s, got %s", TypeAccountFetched, evt.Type)
		}
		if evt.DID != "did:plc:abc123" {
			t.Errorf("expected did:plc:abc123, got %s", evt.DID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch1 := make(chan Event, 10)
	ch2 := make(chan Event, 10)
	bus.Subscribe(TypeBatchRouted, ch1)
	bus.Subscribe(TypeBatchRouted, ch2)

	bus.Publish(Event{Type: TypeBatchRouted, DID: "did:plc:a"})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := New()
	defer bus.Close()

	fetchedCh := make(chan Event, 10)
	exitedCh := make(chan Event, 10)
	bus.Subscribe(TypeAccountFetched, fetchedCh)
	bus.Subscribe(TypeWorkerExited, exitedCh)

	bus.Publish(Event{Type: TypeAccountFetched, DID: "did:plc:a"})

	select {
	case <-fetchedCh:
	case <-time.After(time.Second):
		t.Fatal("fetched subscriber did not receive event")
	}

	select {
	case <-exitedCh:
		t.Fatal("worker subscriber should NOT receive account.fetched event")
	case <-time.After(50 * time.Millisecond):
		// good
	}
}

func TestBus_PublishBatch(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 100)
	bus.Subscribe(TypeAccountDecoded, received)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: TypeAccountDecoded, DID: "did:plc:a"})
		}()
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	if len(received) != 50 {
		t.Errorf("expected 50 events, got %d", len(received))
	}
}
