package memory

import (
	"context"

	"github.com/becomeliminal/nim-memory/core"
)

// sessionQueue holds the pending turns of one session. A single drain
// goroutine consumes it, so batches of a session never overlap. Fields are
// guarded by Manager.mu.
type sessionQueue struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	pending []core.Turn
	running bool
}

// push appends turn, dropping the oldest pending turn when the queue holds
// size turns already. It reports whether a turn was dropped.
func (q *sessionQueue) push(turn core.Turn, size int) (dropped bool) {
	if len(q.pending) >= size {
		q.pending = q.pending[1:]
		dropped = true
	}
	q.pending = append(q.pending, turn)
	return dropped
}

func (q *sessionQueue) pop() (core.Turn, bool) {
	if len(q.pending) == 0 {
		return core.Turn{}, false
	}
	turn := q.pending[0]
	q.pending[0] = core.Turn{}
	q.pending = q.pending[1:]
	return turn, true
}
