package query

import (
	"context"
	"sync"
)

// Future is the eventual result of a fetch. Every caller that joins an
// in-flight fetch receives the same Future.
type Future struct {
	once sync.Once
	done chan struct{}
	data any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(data any, err error) *Future {
	f := newFuture()
	f.settle(data, err)
	return f
}

// settle records the result. Later calls are ignored.
func (f *Future) settle(data any, err error) {
	f.once.Do(func() {
		f.data, f.err = data, err
		close(f.done)
	})
}

// follow settles f with the result of next once next settles.
func (f *Future) follow(next *Future) {
	go func() {
		<-next.done
		f.settle(next.data, next.err)
	}()
}

// Done is closed once the fetch settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the settled data and error. It blocks until settlement.
func (f *Future) Result() (any, error) {
	<-f.done
	return f.data, f.err
}

// Wait blocks until the fetch settles or ctx is done. Abandoning a wait
// does not cancel the fetch.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
