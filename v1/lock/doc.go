// Package lock provides the mutual-exclusion primitives held by lockstep
// workers.
//
// Mutex is the single-lock handle a worker borrows. Local implements it in
// process memory. Keyed backends (InMemory, Redis) implement Locker, which
// guards many named locks at once and can coordinate several nodes; Keyed
// binds one name of such a backend to the Mutex interface. Keyed locks accept
// an optional TTL after which they are released automatically.
package lock
