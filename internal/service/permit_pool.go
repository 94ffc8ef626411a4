package service

import (
	"context"
	"errors"
	"time"

	storageerrors "github.com/devrev/pairdb/internal/errors"
	"golang.org/x/sync/semaphore"
)

// PermitPool bounds concurrent mutating operations
type PermitPool struct {
	sem     *semaphore.Weighted
	size    int64
	timeout time.Duration
}

// NewPermitPool creates a pool of size permits; Acquire waits at most timeout
func NewPermitPool(size int64, timeout time.Duration) *PermitPool {
	if size <= 0 {
		size = 1
	}
	return &PermitPool{sem: semaphore.NewWeighted(size), size: size, timeout: timeout}
}

// Acquire takes one permit or fails with ErrCodeBackpressure once the timeout passes
func (p *PermitPool) Acquire(ctx context.Context) (func(), error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, storageerrors.Backpressure(p.size, err)
		}
		return nil, err
	}
	return func() { p.sem.Release(1) }, nil
}

// Size returns the number of permits
func (p *PermitPool) Size() int64 {
	return p.size
}
