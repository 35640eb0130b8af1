package gateway

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Dummy simulates a carrier for local runs and tests.
type Dummy struct {
	FailurePercent int // 0..100
}

func NewDummy() *Dummy { return &Dummy{FailurePercent: 3} }

func (d *Dummy) Send(ctx context.Context, to, body string) (string, error) {
	// Simulate latency and occasional failures.
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	if rand.Intn(100) < d.FailurePercent {
		return "", errors.New("provider_temporary_error")
	}
	return "dummy-" + uuid.NewString(), nil
}
