// Package api holds the JSON wire types shared by the server and the client.
package api

import (
	"errors"
	"fmt"

	"raftmap/pkg/dberrors"
	"raftmap/pkg/operation"
	"raftmap/pkg/session"
	"raftmap/pkg/types"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Code classifies a failed request so the client can tell a definitive
// failure from one worth resending elsewhere.
type Code string

const (
	CodeUnsupported    Code = "unsupported"
	CodeSessionExpired Code = "session_expired"
	CodeTimeout        Code = "timeout"
	CodeMalformed      Code = "malformed"
	CodeNotLeader      Code = "not_leader"
	CodeClosed         Code = "closed"
	CodeStaleSequence  Code = "stale_sequence"
	CodeInternal       Code = "internal"
)

// Response represents the standard API response format.
type Response struct {
	Status    Status            `json:"status,omitempty"`
	Error     string            `json:"error,omitempty"`
	Code      Code              `json:"code,omitempty"`
	Result    *operation.Result `json:"result,omitempty"`
	Index     types.LogIndex    `json:"index,omitempty"`
	SessionID types.SessionID   `json:"session_id,omitempty"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"`
	Peers     map[uint64]string `json:"peers,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewResultResponse(result operation.Result, index types.LogIndex) Response {
	return Response{Status: StatusSuccess, Result: &result, Index: index}
}

func NewErrorResponse(err error) Response {
	return Response{Status: StatusError, Error: err.Error(), Code: CodeOf(err)}
}

type RegisterRequest struct {
	SessionID types.SessionID `json:"session_id"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`
}

type KeepAliveRequest struct {
	Ack types.Seq `json:"ack"`
}

type CommandRequest struct {
	SessionID types.SessionID     `json:"session_id"`
	Seq       types.Seq           `json:"seq"`
	Ack       types.Seq           `json:"ack"`
	Op        operation.Operation `json:"op"`
}

type QueryRequest struct {
	SessionID   types.SessionID     `json:"session_id,omitempty"`
	MinIndex    types.LogIndex      `json:"min_index,omitempty"`
	Consistency string              `json:"consistency,omitempty"`
	Op          operation.Operation `json:"op"`
}

type MemberRequest struct {
	ID      uint64 `json:"id"`
	Address string `json:"address"`
}

var codes = []struct {
	code Code
	err  error
}{
	{CodeUnsupported, dberrors.ErrUnsupportedOperation},
	{CodeSessionExpired, dberrors.ErrSessionExpired},
	{CodeTimeout, dberrors.ErrTimeout},
	{CodeMalformed, dberrors.ErrMalformedOperation},
	{CodeNotLeader, dberrors.ErrNotLeader},
	{CodeClosed, dberrors.ErrClosed},
	{CodeStaleSequence, session.ErrStaleSequence},
}

// CodeOf maps an error onto its wire code.
func CodeOf(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorOf rebuilds a sentinel-wrapped error from a response, so errors.Is
// works on the client side. Unknown codes map to a plain error.
func ErrorOf(code Code, msg string) error {
	for _, c := range codes {
		if c.code == code {
			return fmt.Errorf("%w: %s", c.err, msg)
		}
	}
	return fmt.Errorf("server error: %s", msg)
}
