package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
)

func TestNewMutexBackends(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	ns := natsserver.RunRandClientPortServer()
	defer ns.Shutdown()

	cases := []backendConfig{
		{Name: "local"},
		{Name: "memory", Key: "k"},
		{Name: "memory", Key: "k", NATSURL: ns.ClientURL()},
		{Name: "redis", Key: "k", RedisAddr: mr.Addr()},
	}
	ctx := context.Background()
	for _, cfg := range cases {
		mx, closeFn, err := newMutex(cfg)
		if err != nil {
			t.Fatalf("%s: %v", cfg.Name, err)
		}
		if err := mx.Lock(ctx); err != nil {
			t.Fatalf("%s lock: %v", cfg.Name, err)
		}
		if err := mx.Unlock(ctx); err != nil {
			t.Fatalf("%s unlock: %v", cfg.Name, err)
		}
		closeFn()
	}
}

func TestNewMutexUnknownBackend(t *testing.T) {
	if _, _, err := newMutex(backendConfig{Name: "zookeeper"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestRedisBackendWakesOtherProcess(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	// Polling is pushed far out so only a bus event can wake the waiter.
	cfg := backendConfig{Name: "redis", Key: "shared", RedisAddr: mr.Addr(), RedisRetry: 10 * time.Second}
	first, closeFirst, err := newMutex(cfg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	defer closeFirst()
	second, closeSecond, err := newMutex(cfg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	defer closeSecond()

	ctx := context.Background()
	if err := first.Lock(ctx); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- second.Lock(ctx) }()
	time.Sleep(50 * time.Millisecond)
	if err := first.Unlock(ctx); err != nil {
		t.Fatalf("first unlock: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second lock: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second backend was not woken by the release")
	}
	if err := second.Unlock(ctx); err != nil {
		t.Fatalf("second unlock: %v", err)
	}
}
