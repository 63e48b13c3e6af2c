package task

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Supervisor collects fatal errors from background components. The first
// error wins; the owner of the process decides how to terminate.
type Supervisor struct {
	mu     sync.Mutex
	err    error
	source string
	done   chan struct{}
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{done: make(chan struct{})}
}

// Terminate records a fatal error reported by source. Later reports are
// logged and dropped.
func (s *Supervisor) Terminate(source string, err error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		log.Warn().Err(err).Str("source", source).Msg("Additional fatal error after termination")
		return
	}

	log.Error().Err(err).Str("source", source).Msg("Fatal error, terminating")
	s.err = err
	s.source = source
	close(s.done)
}

// Done is closed after the first Terminate.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err returns the first fatal error and the component that reported it.
func (s *Supervisor) Err() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source, s.err
}
