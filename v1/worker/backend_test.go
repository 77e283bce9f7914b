package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lockstep/v1/lock"
	"github.com/mirkobrombin/go-lockstep/v1/syncbus"
)

func TestWorkersOnKeyedInMemoryLock(t *testing.T) {
	s := newTestSpawner(t)
	locker := lock.NewInMemory(nil)
	defer locker.Close()
	mx := &countingMutex{Mutex: lock.Keyed(locker, "job", 0)}
	ctx := context.Background()

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := s.Spawn(ctx, Request{Lock: mx, DelayHoldingLock: 10 * time.Millisecond, Key: "job"})
		if err != nil {
			t.Fatalf("spawn: %v", err)
		}
		handles = append(handles, h)
	}
	outs, err := JoinAll(ctx, handles...)
	if err != nil {
		t.Fatalf("join all: %v", err)
	}
	if err := FirstFailure(outs); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	if mx.max.Load() > 1 {
		t.Fatal("keyed in-memory lock held twice")
	}
	if locker.Held("job") {
		t.Fatal("key still held after all workers joined")
	}
}

func TestWorkerOnPeerAfterBackToBackRuns(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	nodeA, nodeB := lock.NewInMemory(bus), lock.NewInMemory(bus)
	defer nodeA.Close()
	defer nodeB.Close()
	for _, n := range []*lock.InMemory{nodeA, nodeB} {
		if err := n.Watch("job"); err != nil {
			t.Fatalf("watch: %v", err)
		}
	}
	s := newTestSpawner(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		h, err := s.Spawn(ctx, Request{Lock: lock.Keyed(nodeA, "job", 0)})
		if err != nil {
			t.Fatalf("spawn on node A: %v", err)
		}
		if out := h.Join(); !out.Success() {
			t.Fatalf("node A run %d failed: %v", i, out.Err)
		}
	}

	h, err := s.Spawn(ctx, Request{Lock: lock.Keyed(nodeB, "job", 0)})
	if err != nil {
		t.Fatalf("spawn on node B: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	out, err := h.Wait(wctx)
	if err != nil {
		t.Fatalf("node B worker still waiting for a free lock: %v", err)
	}
	if !out.Success() {
		t.Fatalf("node B worker failed: %v", out.Err)
	}
}

func TestWorkerKeyFromKeyedMutex(t *testing.T) {
	s := newTestSpawner(t)
	locker := lock.NewInMemory(nil)
	defer locker.Close()

	h, err := s.Spawn(context.Background(), Request{Lock: lock.Keyed(locker, "nightly", 0)})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if h.Key() != "nightly" {
		t.Fatalf("expected key from keyed mutex, got %q", h.Key())
	}
	if out := h.Join(); out.Key != "nightly" || !out.Success() {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestWorkersOnRedisLockAcrossLockers(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := syncbus.NewRedisBus(client)
	defer bus.Close()
	node1 := lock.NewRedis(client, bus, lock.WithRetryInterval(5*time.Millisecond))
	node2 := lock.NewRedis(client, bus, lock.WithRetryInterval(5*time.Millisecond))

	s := newTestSpawner(t)
	ctx := context.Background()
	start := time.Now()
	h1, err := s.Spawn(ctx, Request{Lock: lock.Keyed(node1, "leader", time.Second), DelayHoldingLock: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("spawn node1: %v", err)
	}
	h2, err := s.Spawn(ctx, Request{Lock: lock.Keyed(node2, "leader", time.Second), DelayHoldingLock: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("spawn node2: %v", err)
	}
	outs, err := JoinAll(ctx, h1, h2)
	if err != nil {
		t.Fatalf("join all: %v", err)
	}
	if err := FirstFailure(outs); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("redis lock shared by both workers, done after %s", elapsed)
	}
	if mr.Exists("lockstep:leader") {
		t.Fatal("redis lock key left behind")
	}
}

func TestRedisReleaseFailureAfterExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	locker := lock.NewRedis(client, nil)
	s := newTestSpawner(t)
	h, err := s.Spawn(context.Background(), Request{
		Lock:             lock.Keyed(locker, "short", 10*time.Millisecond),
		DelayHoldingLock: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitPhase(t, h, PhaseHoldingLock)
	mr.FastForward(time.Second)
	if out := h.Join(); out.Status != StatusFailed {
		t.Fatalf("expected release failure after ttl expiry, got %s", out.Status)
	}
}
