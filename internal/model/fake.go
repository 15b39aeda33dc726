// ABOUTME: Scripted fake Backend for tests
// ABOUTME: Returns queued responses in order and records the requests it saw

package model

import (
	"context"
	"sync"
)

// Fake is a scripted Backend for tests. Each Complete call pops the next
// queued response (or error) and records the request.
type Fake struct {
	mu        sync.Mutex
	responses []fakeStep
	Requests  []Request
}

type fakeStep struct {
	resp *Response
	err  error
}

// NewFake creates an empty fake backend. Queue behavior with Reply/Fail.
func NewFake() *Fake {
	return &Fake{}
}

// Reply queues a successful response.
func (f *Fake) Reply(resp *Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeStep{resp: resp})
	return f
}

// ReplyText queues a plain text response.
func (f *Fake) ReplyText(text string) *Fake {
	return f.Reply(&Response{Text: text, StopReason: "end_turn"})
}

// Fail queues an error.
func (f *Fake) Fail(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeStep{err: err})
	return f
}

// Name identifies the backend for logging.
func (f *Fake) Name() string {
	return "fake"
}

// Complete pops the next scripted step. When the script is exhausted it
// returns an empty end_turn response.
func (f *Fake) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.Requests = append(f.Requests, req)
	if len(f.responses) == 0 {
		return &Response{StopReason: "end_turn"}, nil
	}
	step := f.responses[0]
	f.responses = f.responses[1:]
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

// CallCount returns how many Complete calls the fake has served.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}
