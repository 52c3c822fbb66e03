package dispatch

import (
	"context"
	"encoding/json"

	"github.com/jonboulle/clockwork"
)

// PendingRequest is a request awaiting its correlated response.
type PendingRequest struct {
	ID string

	d       *Dispatcher
	timer   clockwork.Timer
	done    chan struct{}
	payload json.RawMessage
	err     error
}

// Wait blocks until the request settles and returns the response payload.
// If ctx ends first the request is rejected with ctx's error, unless a
// response won the race.
func (p *PendingRequest) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.d.reject(p.ID, ctx.Err(), "cancelled")
		<-p.done
	}
	return p.payload, p.err
}

// Done is closed once the request has settled.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

func (p *PendingRequest) settle(payload json.RawMessage, err error) {
	p.timer.Stop()
	p.payload = payload
	p.err = err
	close(p.done)
}
