// Package socket tracks which of the call's video decode channels are free.
package socket

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrNotAssigned is returned when releasing a channel that is not in use.
var ErrNotAssigned = errors.New("socket: channel not assigned")

// State of a pooled channel
type State byte

const (
	StateUnknown State = iota
	StateFree
	StateAssigned
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateAssigned:
		return "assigned"
	default:
		return "unknown"
	}
}

// Pool owns a fixed set of channel ids. It is not safe for concurrent use;
// callers serialize access with their own lock.
type Pool struct {
	log   zerolog.Logger
	state map[int]State
	free  []int // stack, last released is handed out first
}

// New creates a pool where every id starts free.
func New(ids []int, log zerolog.Logger) *Pool {
	p := &Pool{
		log:   log.With().Str("component", "socket-pool").Logger(),
		state: make(map[int]State, len(ids)),
		free:  make([]int, 0, len(ids)),
	}
	// Pushed in reverse so the lowest id is allocated first.
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		if _, dup := p.state[id]; dup {
			continue
		}
		p.state[id] = StateFree
		p.free = append(p.free, id)
	}
	return p
}

// Allocate removes and returns a free channel id. ok is false when the pool
// is exhausted.
func (p *Pool) Allocate() (id int, ok bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	id = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.state[id] = StateAssigned
	return id, true
}

// Release returns an assigned channel to the free set.
func (p *Pool) Release(id int) error {
	if p.state[id] != StateAssigned {
		p.log.Warn().Int("channel", id).Str("state", p.state[id].String()).Msg("release of unassigned channel ignored")
		return fmt.Errorf("release channel %d: %w", id, ErrNotAssigned)
	}
	p.state[id] = StateFree
	p.free = append(p.free, id)
	return nil
}

// State returns the state of id, StateUnknown if it is not pooled.
func (p *Pool) State(id int) State {
	return p.state[id]
}

// Free returns the number of free channels.
func (p *Pool) Free() int {
	return len(p.free)
}

// Assigned returns the number of channels in use.
func (p *Pool) Assigned() int {
	return len(p.state) - len(p.free)
}

// Size returns the number of channels owned by the pool.
func (p *Pool) Size() int {
	return len(p.state)
}
