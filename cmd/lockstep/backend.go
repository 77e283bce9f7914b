package main

import (
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lockstep/v1/lock"
	"github.com/mirkobrombin/go-lockstep/v1/syncbus"
)

type backendConfig struct {
	Name      string
	Key       string
	TTL       time.Duration
	RedisAddr string
	// RedisRetry bounds how long a redis waiter relies on the bus alone.
	RedisRetry time.Duration
	NATSURL    string
}

// newMutex builds the lock shared by all workers and a func releasing the
// backend connections.
func newMutex(cfg backendConfig) (lock.Mutex, func(), error) {
	switch cfg.Name {
	case "local":
		return lock.NewLocal(), func() {}, nil
	case "memory":
		var bus syncbus.Bus
		closeBus := func() {}
		if cfg.NATSURL != "" {
			nc, err := nats.Connect(cfg.NATSURL)
			if err != nil {
				return nil, nil, fmt.Errorf("nats connect: %w", err)
			}
			bus = syncbus.NewNATSBus(nc)
			closeBus = nc.Close
		}
		locker := lock.NewInMemory(bus)
		return lock.Keyed(locker, cfg.Key, cfg.TTL), func() {
			locker.Close()
			closeBus()
		}, nil
	case "redis":
		// Unlock events travel over Redis pub/sub so waiters in other
		// lockstep processes wake up as soon as the key is released.
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		bus := syncbus.NewRedisBus(client)
		locker := lock.NewRedis(client, bus, lock.WithRetryInterval(cfg.RedisRetry))
		return lock.Keyed(locker, cfg.Key, cfg.TTL), func() {
			_ = bus.Close()
			_ = client.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Name)
}
