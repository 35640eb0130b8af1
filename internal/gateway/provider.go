package gateway

import (
	"context"
)

// Provider delivers one SMS. Implementations must honor ctx cancellation;
// the dispatcher bounds every send with a timeout.
type Provider interface {
	Send(ctx context.Context, to, body string) (deliveryID string, err error)
}
