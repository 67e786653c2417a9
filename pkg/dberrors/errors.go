package dberrors

import "errors"

var (
	ErrNotFound             = errors.New("raftmap: not found")
	ErrClosed               = errors.New("raftmap: closed")
	ErrTimeout              = errors.New("raftmap: operation timed out")
	ErrNotLeader            = errors.New("raftmap: not the leader")
	ErrNoReplicas           = errors.New("raftmap: no reachable replicas")
	ErrSessionExpired       = errors.New("raftmap: session expired")
	ErrMalformedOperation   = errors.New("raftmap: malformed operation")
	ErrUnsupportedOperation = errors.New("raftmap: unsupported operation")

	// ErrDeterminism means an operation had no defined effect on the current
	// state. Replicas may have diverged; the node must stop applying.
	ErrDeterminism = errors.New("raftmap: determinism violation")
)
