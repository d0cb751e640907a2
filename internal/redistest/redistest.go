// Package redistest provides an in-memory stand-in for the handful of Redis
// commands the stores use, with a movable clock so TTL expiry is testable
// without sleeping.
package redistest

import (
	"context"
	"path"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Fake implements the SetNX/Set/Get/Del/Exists/Scan subset of go-redis
// commands against an in-memory map.
type Fake struct {
	mu   sync.Mutex
	data map[string]entry
	now  time.Time
}

func New() *Fake {
	return &Fake{
		data: make(map[string]entry),
		now:  time.Now(),
	}
}

// Advance moves the fake clock forward, expiring entries whose TTL elapses.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fake) live(key string) (entry, bool) {
	e, ok := f.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !f.now.Before(e.expiresAt) {
		delete(f.data, key)
		return entry{}, false
	}
	return e, true
}

func toString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (f *Fake) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live(key); ok {
		return goredis.NewBoolResult(false, nil)
	}
	f.set(key, value, expiration)
	return goredis.NewBoolResult(true, nil)
}

func (f *Fake) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set(key, value, expiration)
	return goredis.NewStatusResult("OK", nil)
}

func (f *Fake) set(key string, value interface{}, expiration time.Duration) {
	e := entry{value: toString(value)}
	if expiration > 0 {
		e.expiresAt = f.now.Add(expiration)
	}
	f.data[key] = e
}

func (f *Fake) Get(ctx context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.live(key)
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(e.value, nil)
}

func (f *Fake) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.live(key); ok {
			delete(f.data, key)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func (f *Fake) Exists(ctx context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.live(key); ok {
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func (f *Fake) Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.data))
	for key := range f.data {
		if _, ok := f.live(key); !ok {
			continue
		}
		if match != "" {
			if ok, _ := path.Match(match, key); !ok {
				continue
			}
		}
		keys = append(keys, key)
	}
	return goredis.NewScanCmdResult(keys, 0, nil)
}
