package syncbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSConn(t *testing.T) *nats.Conn {
	t.Helper()
	addr := os.Getenv("LOCKSTEP_TEST_NATS_ADDR")

	var s *server.Server
	if addr != "" {
		t.Logf("TestNATSBus: using real NATS at %s", addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		addr = s.ClientURL()
	}
	conn, err := nats.Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return conn
}

func newNATSBus(t *testing.T) (*NATSBus, context.Context) {
	t.Helper()
	return NewNATSBus(newNATSConn(t)), context.Background()
}

func TestNATSBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newNATSBus(t)
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "key", Event{Kind: KindLock}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestNATSBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newNATSBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["key"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestNATSBusDeduplicatePendingKeys(t *testing.T) {
	bus, ctx := newNATSBus(t)
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.mu.Lock()
	bus.pending[pendingKey("key", Event{Kind: KindLock})] = struct{}{}
	bus.mu.Unlock()
	if err := bus.Publish(ctx, "key", Event{Kind: KindLock}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("unexpected publish when key pending")
	case <-time.After(100 * time.Millisecond):
	}
	metrics := bus.Metrics()
	if metrics.Published != 0 {
		t.Fatalf("expected published 0 got %d", metrics.Published)
	}
}

func TestNATSBusCrossConnectionEvents(t *testing.T) {
	conn := newNATSConn(t)
	other, err := nats.Connect(conn.ConnectedUrl())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer other.Close()

	pub := NewNATSBus(conn)
	sub := NewNATSBus(other)
	ctx := context.Background()

	ch, err := sub.Subscribe(ctx, LockTopic("leader"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	want := Event{Kind: KindUnlock, Origin: "n1"}
	if err := pub.Publish(ctx, LockTopic("leader"), want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected %+v got %+v", want, got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unlock event")
	}
}

func TestNATSBusPublishOnClosedConn(t *testing.T) {
	bus, ctx := newNATSBus(t)
	bus.conn.Close()
	if err := bus.Publish(ctx, "key", Event{Kind: KindLock}); err == nil {
		t.Fatal("expected publish error on closed connection")
	}
	if m := bus.Metrics(); m.Published != 0 {
		t.Fatalf("expected published 0 got %d", m.Published)
	}
}
