package storage

import (
	"log/slog"
	"sync"
)

// Guard owns the staged files of a single request and removes them when
// released. The input is always removed; the output only when it was tracked,
// which happens once a job succeeded.
type Guard struct {
	stager *Stager
	logger *slog.Logger

	mu     sync.Mutex
	input  string
	output string
	once   sync.Once
}

func (s *Stager) NewGuard(logger *slog.Logger) *Guard {
	return &Guard{stager: s, logger: logger}
}

func (g *Guard) TrackInput(path string) {
	g.mu.Lock()
	g.input = path
	g.mu.Unlock()
}

func (g *Guard) TrackOutput(path string) {
	g.mu.Lock()
	g.output = path
	g.mu.Unlock()
}

// Release removes the tracked files. Only the first call has any effect.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.mu.Lock()
		input, output := g.input, g.output
		g.mu.Unlock()

		g.stager.remove(g.logger, input, "input")
		g.stager.remove(g.logger, output, "output")
	})
}
