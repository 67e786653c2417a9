package client

import (
	"context"
	"errors"
)

// Resolver returns the candidate replica addresses. A client only needs one
// reachable member to bootstrap a session.
type Resolver interface {
	Resolve(ctx context.Context) ([]string, error)
}

type StaticResolver []string

func (r StaticResolver) Resolve(context.Context) ([]string, error) {
	if len(r) == 0 {
		return nil, errors.New("no addresses configured")
	}
	out := make([]string, len(r))
	copy(out, r)
	return out, nil
}
