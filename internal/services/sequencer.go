package services

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/repository"
)

const (
	defaultSequencerAttempts = 8
	defaultSequencerBackoff  = 10 * time.Millisecond
)

// Sequencer hands out per-organization sequential numbers. The counter row is incremented
// atomically by the database, so concurrent callers never receive the same value; the retry
// loop only covers numbers that already exist in the target table.
type Sequencer struct {
	store       repository.InvoiceRepository
	log         *zap.Logger
	maxAttempts int
	baseBackoff time.Duration
}

func NewSequencer(store repository.InvoiceRepository, maxAttempts int, log *zap.Logger) *Sequencer {
	if maxAttempts <= 0 {
		maxAttempts = defaultSequencerAttempts
	}
	return &Sequencer{
		store:       store,
		log:         log,
		maxAttempts: maxAttempts,
		baseBackoff: defaultSequencerBackoff,
	}
}

// Next returns the next counter value for (organizationID, scope).
func (s *Sequencer) Next(ctx context.Context, organizationID, scope string) (int64, error) {
	return s.store.NextCounterValue(ctx, organizationID, scope)
}

// Allocate draws numbers until insert accepts one. insert must return an error wrapping
// repository.ErrDuplicateKey when the number is already taken.
func (s *Sequencer) Allocate(ctx context.Context, organizationID, scope string, insert func(n int64) error) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.backoff(attempt)); err != nil {
				return 0, err
			}
		}

		n, err := s.Next(ctx, organizationID, scope)
		if err != nil {
			return 0, err
		}
		err = insert(n)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, repository.ErrDuplicateKey) {
			return 0, err
		}
		lastErr = err
		s.log.Warn("sequence number collision, retrying",
			zap.String("organization_id", organizationID),
			zap.String("scope", scope),
			zap.Int64("number", n),
			zap.Int("attempt", attempt+1))
	}
	return 0, apperr.New(apperr.KindDuplicateInvoice, "could not allocate a unique "+scope+" number", lastErr)
}

// backoff doubles per attempt with full jitter over the upper half.
func (s *Sequencer) backoff(attempt int) time.Duration {
	d := s.baseBackoff << uint(attempt-1)
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
