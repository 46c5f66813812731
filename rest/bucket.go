package rest

import (
	"context"
	"time"

	"github.com/Mijyuoon/MijDiscord/models"
)

type bucketKey struct {
	route string
	major models.ID
}

// bucket is a context aware mutex with a non-blocking acquire.
type bucket struct {
	sem chan struct{}
}

func newBucket() *bucket {
	return &bucket{sem: make(chan struct{}, 1)}
}

func (b *bucket) lock(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *bucket) tryLock() bool {
	select {
	case b.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (b *bucket) unlock() {
	<-b.sem
}

// wait blocks while someone else holds the bucket.
func (b *bucket) wait(ctx context.Context) error {
	if err := b.lock(ctx); err != nil {
		return err
	}
	b.unlock()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
