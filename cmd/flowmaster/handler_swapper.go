package main

import (
	"net/http"
	"sync/atomic"
)

// handlerSwapper is the listener's root handler. buildMux mounts /metrics only
// when the metrics flag is on, so a SIGHUP reload that flips the flag swaps in
// a freshly built mux and the endpoint appears or disappears without a
// restart. Requests already running finish on the mux they started with.
type handlerSwapper struct {
	mux atomic.Pointer[http.Handler]
}

func newHandlerSwapper(mux http.Handler) *handlerSwapper {
	s := &handlerSwapper{}
	s.Swap(mux)
	return s
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := *s.mux.Load()
	mux.ServeHTTP(w, r)
}

// Swap routes every later request to mux.
func (s *handlerSwapper) Swap(mux http.Handler) {
	s.mux.Store(&mux)
}
