package models

import (
	"fmt"
	"sync"
)

var transitions = map[JobStatus][]JobStatus{
	StatusReceived:    {StatusStaged, StatusResponded},
	StatusStaged:      {StatusClassified, StatusResponded},
	StatusClassified:  {StatusTranscoding, StatusResponded},
	StatusTranscoding: {StatusSucceeded, StatusFailed},
	StatusSucceeded:   {StatusResponded},
	StatusFailed:      {StatusResponded},
	StatusResponded:   {StatusCleanedUp},
}

// Lifecycle tracks the state of one request. Transcoding must reach a terminal
// outcome before the request can be responded to, and CleanedUp is only
// reachable from Responded.
type Lifecycle struct {
	mu     sync.Mutex
	status JobStatus
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{status: StatusReceived}
}

func (l *Lifecycle) Status() JobStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Advance moves to next, or returns an error and leaves the state unchanged
// when the transition is not allowed.
func (l *Lifecycle) Advance(next JobStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, allowed := range transitions[l.status] {
		if allowed == next {
			l.status = next
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", l.status, next)
}
