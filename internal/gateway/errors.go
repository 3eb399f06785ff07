package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/redis/go-redis/v9"
)

// Kind classifies a GatewayError so callers can decide whether to retry.
type Kind int

const (
	// KindPermanent covers decode failures, WRONGTYPE and anything else
	// that will not succeed on retry.
	KindPermanent Kind = iota
	// KindTransient covers timeouts and connection resets.
	KindTransient
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

// GatewayError wraps a failure from a Redis call with a Kind.
type GatewayError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a GatewayError of KindTransient.
func IsTransient(err error) bool {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr.Kind == KindTransient
	}
	return false
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &GatewayError{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	case errors.Is(err, redis.ErrPoolTimeout):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindPermanent
}
