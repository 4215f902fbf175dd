// Package date provides a cached, thread-safe HTTP date header value.
package date

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// refreshInterval bounds how stale the cached value may get.
const refreshInterval = 500 * time.Millisecond

var (
	current atomic.Pointer[[]byte]

	mu      sync.Mutex
	users   int
	stopCh  chan struct{}
	nowFunc = time.Now
)

// Start begins refreshing the cached value. Calls are reference counted so
// several servers in one process can share the ticker; every Start must be
// paired with a call to the returned stop function.
func Start() (stop func()) {
	mu.Lock()
	defer mu.Unlock()

	update()
	users++
	if users == 1 {
		stopCh = make(chan struct{})
		go refresh(stopCh)
	}

	var once sync.Once
	return func() {
		once.Do(release)
	}
}

func release() {
	mu.Lock()
	defer mu.Unlock()
	users--
	if users == 0 {
		close(stopCh)
		stopCh = nil
	}
}

func refresh(done <-chan struct{}) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			update()
		case <-done:
			return
		}
	}
}

func update() {
	b := []byte(nowFunc().UTC().Format(http.TimeFormat))
	current.Store(&b)
}

// Current returns the cached header value. The returned slice must not be
// modified. Before Start has been called it formats the current time.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return []byte(nowFunc().UTC().Format(http.TimeFormat))
}
