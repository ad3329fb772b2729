package workers

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrently running blocking jobs (database queries, outbound HTTP).
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func New(size int64) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(size)}
}

// Do runs fn once a slot is free and waits for it.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Go runs fn in the background once a slot is free. It blocks only while waiting for the slot.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn(ctx)
	}()
	return nil
}

// Wait blocks until all jobs started with Go have returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Call runs fn on the pool and returns its result.
func Call[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var res T
	err := p.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = fn(ctx)
		return err
	})
	return res, err
}
