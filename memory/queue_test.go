package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/becomeliminal/nim-memory/core"
)

func TestSessionQueue(t *testing.T) {
	q := &sessionQueue{id: "s1"}
	assert.False(t, q.push(core.Turn{User: "1"}, 2))
	assert.False(t, q.push(core.Turn{User: "2"}, 2))
	assert.True(t, q.push(core.Turn{User: "3"}, 2), "full queue drops the oldest")

	var got []string
	for {
		turn, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, turn.User)
	}
	assert.Equal(t, []string{"2", "3"}, got)
}
