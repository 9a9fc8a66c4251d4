// Package date caches the value of the HTTP Date header so hot request
// paths don't format a timestamp per response.
package date

import (
	"sync/atomic"
	"time"
)

// httpTimeFormat is the IMF-fixdate layout required by RFC 7231.
const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

var current atomic.Pointer[string]

// Start begins refreshing the cached value once per second and returns a
// stop function.
func Start() func() {
	refresh()

	ticker := time.NewTicker(time.Second)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				refresh()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func refresh() {
	s := time.Now().UTC().Format(httpTimeFormat)
	current.Store(&s)
}

// Current returns the cached Date header value, formatting one on the spot
// if Start has not been called.
func Current() string {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().Format(httpTimeFormat)
}
