package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

type participant interface {
	storeID() uint64
	storeName() string
	isDirty() bool
	lock()
	unlock()
	validate() error
	apply()
	persist(ctx context.Context) error
}

// Unit is a unit of work spanning one or more stores. Stores join through
// Enlist; the unit commits all of them or none.
type Unit struct {
	ctx          context.Context
	now          time.Time
	participants map[uint64]participant
}

// Context returns the context the unit runs under
func (u *Unit) Context() context.Context { return u.ctx }

// Now returns the timestamp shared by every write in the unit. It is fixed
// by the first enlisted store's clock.
func (u *Unit) Now() time.Time {
	if u.now.IsZero() {
		u.now = time.Now().UTC()
	}
	return u.now
}

// Enlist joins s to the unit and returns its transactional view. Enlisting
// the same store twice returns the same view.
func Enlist[V any](u *Unit, s *AggregateStore[V]) *StoreTx[V] {
	if p, ok := u.participants[s.id]; ok {
		return p.(*StoreTx[V])
	}
	if u.now.IsZero() {
		u.now = s.clock()
	}
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()
	tx := newStoreTx(s, gen, u.now)
	u.participants[s.id] = tx
	return tx
}

// RunUnit runs fn and commits every enlisted store that fn modified. A store
// changed by another transaction since it was enlisted aborts the whole unit
// with a write-write ConflictError.
func RunUnit(ctx context.Context, fn func(u *Unit) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u := &Unit{ctx: ctx, participants: make(map[uint64]participant)}
	if err := fn(u); err != nil {
		return err
	}
	return u.commit(ctx)
}

func (u *Unit) commit(ctx context.Context) error {
	dirty := make([]participant, 0, len(u.participants))
	for _, p := range u.participants {
		if p.isDirty() {
			dirty = append(dirty, p)
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	// Lock in store id order so overlapping units cannot deadlock.
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].storeID() < dirty[j].storeID() })
	for _, p := range dirty {
		p.lock()
	}
	defer func() {
		for _, p := range dirty {
			p.unlock()
		}
	}()

	for _, p := range dirty {
		if err := p.validate(); err != nil {
			return err
		}
	}
	for _, p := range dirty {
		p.apply()
	}
	var errs []error
	for _, p := range dirty {
		if err := p.persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// storeNames lists enlisted stores, for logging
func (u *Unit) storeNames() []string {
	names := make([]string, 0, len(u.participants))
	for _, p := range u.participants {
		names = append(names, p.storeName())
	}
	sort.Strings(names)
	return names
}
