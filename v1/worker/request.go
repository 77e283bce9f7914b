package worker

import (
	"fmt"
	"reflect"
	"time"

	lserrors "github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/lock"
)

// Request describes one worker run. The caller keeps ownership of Lock and
// must keep it usable until the worker has been joined.
type Request struct {
	Lock             lock.Mutex
	DelayBeforeLock  time.Duration
	DelayHoldingLock time.Duration
	// Key labels the run in logs, spans and the journal. When empty and
	// Lock exposes a Key() string method, that key is used.
	Key string
}

// FromMillis builds a Request from delays expressed in whole milliseconds.
func FromMillis(mx lock.Mutex, beforeMs, holdMs int) Request {
	return Request{
		Lock:             mx,
		DelayBeforeLock:  time.Duration(beforeMs) * time.Millisecond,
		DelayHoldingLock: time.Duration(holdMs) * time.Millisecond,
	}
}

func (r Request) validate() error {
	if isNil(r.Lock) {
		return fmt.Errorf("%w: nil lock", lserrors.ErrSpawn)
	}
	if r.DelayBeforeLock < 0 {
		return fmt.Errorf("%w: negative delay before lock %s", lserrors.ErrSpawn, r.DelayBeforeLock)
	}
	if r.DelayHoldingLock < 0 {
		return fmt.Errorf("%w: negative delay holding lock %s", lserrors.ErrSpawn, r.DelayHoldingLock)
	}
	return nil
}

func (r Request) label() string {
	if r.Key != "" {
		return r.Key
	}
	if k, ok := r.Lock.(interface{ Key() string }); ok {
		return k.Key()
	}
	return ""
}

func isNil(mx lock.Mutex) bool {
	if mx == nil {
		return true
	}
	v := reflect.ValueOf(mx)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Interface, reflect.Slice:
		return v.IsNil()
	}
	return false
}
