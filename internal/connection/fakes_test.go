package connection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pscheid92/livewire/internal/domain"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	handlers domain.TransportHandlers
	autoPong bool

	mu         sync.Mutex
	sent       []domain.Envelope
	pings      int
	closeCodes []int
	sendErr    error
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Ping(context.Context) error {
	f.mu.Lock()
	f.pings++
	auto := f.autoPong
	f.mu.Unlock()

	if auto {
		f.handlers.OnPong()
	}
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	f.closeCodes = append(f.closeCodes, code)
	f.mu.Unlock()

	go f.handlers.OnClose(code, nil)
	return nil
}

func (f *fakeTransport) drop(code int, err error) {
	f.handlers.OnClose(code, err)
}

func (f *fakeTransport) receive(t *testing.T, env domain.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	f.handlers.OnMessage(data)
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) Sent() []domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Envelope(nil), f.sent...)
}

func (f *fakeTransport) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) CloseCodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closeCodes...)
}

type fakeDialer struct {
	gate     chan struct{}
	autoPong bool

	mu         sync.Mutex
	dials      int
	fail       func(attempt int) error
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, _ []string, h domain.TransportHandlers) (domain.Transport, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.fail != nil {
		if err := d.fail(d.dials); err != nil {
			return nil, err
		}
	}
	tr := &fakeTransport{handlers: h, autoPong: d.autoPong}
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) setFail(fail func(attempt int) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}
