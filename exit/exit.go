package exit

import (
	"context"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

// GlobalExitHandler is used across the application to gracefully unwind
// contexts and close resources when the process is told to stop.
var GlobalExitHandler = new(Handler)

// Handler collects cancel functions, in-flight work, and closers to be run
// on shutdown.
type Handler struct {
	mu      sync.Mutex
	cancels []context.CancelFunc
	waits   []<-chan struct{}
	closers []io.Closer
}

func (h *Handler) AddCancel(cancel context.CancelFunc) {
	h.mu.Lock()
	h.cancels = append(h.cancels, cancel)
	h.mu.Unlock()
}

// AddWait registers work that must be allowed to finish before any
// registered closer runs. Close blocks on the channel after cancelling
// contexts, so the work must observe cancellation and close the channel
// when it returns.
func (h *Handler) AddWait(done <-chan struct{}) {
	h.mu.Lock()
	h.waits = append(h.waits, done)
	h.mu.Unlock()
}

func (h *Handler) Add(closer io.Closer) {
	h.mu.Lock()
	h.closers = append(h.closers, closer)
	h.mu.Unlock()
}

// Close cancels all registered contexts first, waits for registered
// in-flight work to finish, then closes resources in reverse registration
// order.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, cancel := range h.cancels {
		cancel()
	}
	for _, done := range h.waits {
		<-done
	}
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil {
			log.WithError(err).Warn("failed to close resource on exit")
		}
	}
	h.cancels = nil
	h.waits = nil
	h.closers = nil
}
