package engine

import (
	"context"
	"errors"

	"tradeguard/internal/safety"
)

// ErrLoopStopped is returned when the decision loop is no longer draining
// proposals.
var ErrLoopStopped = errors.New("decision loop stopped")

type proposal struct {
	req   safety.TradeRequest
	reply chan safety.ValidationResult
}

// Inbox funnels trade proposals into the decision loop. Validation always
// happens on the loop goroutine, one request at a time, so no two proposals
// ever race on the safety state.
type Inbox struct {
	ch     chan proposal
	closed chan struct{}
}

func NewInbox(depth int) *Inbox {
	if depth <= 0 {
		depth = 16
	}
	return &Inbox{
		ch:     make(chan proposal, depth),
		closed: make(chan struct{}),
	}
}

// Propose submits a request and blocks until the loop validates it or the
// context ends.
func (in *Inbox) Propose(ctx context.Context, req safety.TradeRequest) (safety.ValidationResult, error) {
	p := proposal{req: req, reply: make(chan safety.ValidationResult, 1)}

	select {
	case in.ch <- p:
	case <-in.closed:
		return safety.ValidationResult{}, ErrLoopStopped
	case <-ctx.Done():
		return safety.ValidationResult{}, ctx.Err()
	}

	select {
	case res := <-p.reply:
		return res, nil
	case <-in.closed:
		return safety.ValidationResult{}, ErrLoopStopped
	case <-ctx.Done():
		return safety.ValidationResult{}, ctx.Err()
	}
}

// drain pulls everything currently queued without blocking.
func (in *Inbox) drain() []proposal {
	var out []proposal
	for {
		select {
		case p := <-in.ch:
			out = append(out, p)
		default:
			return out
		}
	}
}

func (in *Inbox) close() {
	close(in.closed)
}
