package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"raftmap/pkg/api"
	"raftmap/pkg/dberrors"
	"raftmap/pkg/operation"
	"raftmap/pkg/types"
)

// Reply is a successful answer to a command or a query.
type Reply struct {
	Index  types.LogIndex
	Result operation.Result
}

// Conn talks to one replica at a time; the address is chosen by the session.
type Conn interface {
	Register(ctx context.Context, addr string, id types.SessionID, timeout time.Duration) (types.LogIndex, error)
	KeepAlive(ctx context.Context, addr string, id types.SessionID, ack types.Seq) error
	Unregister(ctx context.Context, addr string, id types.SessionID) error
	Command(ctx context.Context, addr string, req api.CommandRequest) (Reply, error)
	Query(ctx context.Context, addr string, req api.QueryRequest) (Reply, error)
}

// transportError marks a failure after which the same request may be resent
// to another replica.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func transient(err error) error {
	return &transportError{err: err}
}

// Retryable reports whether err is a transport fault: the replica was
// unreachable, not able to serve, or did not answer in time.
func Retryable(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

// HTTPConn реализует Conn поверх JSON/HTTP. Редиректы 307 на лидера
// выполняет стандартный клиент.
type HTTPConn struct {
	client *http.Client
}

func NewHTTPConn(timeout time.Duration) *HTTPConn {
	return &HTTPConn{
		client: &http.Client{
			Timeout: timeout,
			// 307 сохраняет метод и тело, default CheckRedirect ок,
			// но делаем явным, чтобы ограничить число прыжков.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("stopped after %d redirects", len(via))
				}
				return nil
			},
		},
	}
}

func (c *HTTPConn) Register(ctx context.Context, addr string, id types.SessionID, timeout time.Duration) (types.LogIndex, error) {
	resp, err := c.do(ctx, http.MethodPost, addr, "/api/v1/sessions", api.RegisterRequest{
		SessionID: id,
		TimeoutMs: timeout.Milliseconds(),
	})
	if err != nil {
		return 0, err
	}
	return resp.Index, nil
}

func (c *HTTPConn) KeepAlive(ctx context.Context, addr string, id types.SessionID, ack types.Seq) error {
	_, err := c.do(ctx, http.MethodPost, addr, "/api/v1/sessions/"+string(id)+"/keepalive", api.KeepAliveRequest{Ack: ack})
	return err
}

func (c *HTTPConn) Unregister(ctx context.Context, addr string, id types.SessionID) error {
	_, err := c.do(ctx, http.MethodDelete, addr, "/api/v1/sessions/"+string(id), nil)
	return err
}

func (c *HTTPConn) Command(ctx context.Context, addr string, req api.CommandRequest) (Reply, error) {
	resp, err := c.do(ctx, http.MethodPost, addr, "/api/v1/commands", req)
	if err != nil {
		return Reply{}, err
	}
	return toReply(resp), nil
}

func (c *HTTPConn) Query(ctx context.Context, addr string, req api.QueryRequest) (Reply, error) {
	resp, err := c.do(ctx, http.MethodPost, addr, "/api/v1/queries", req)
	if err != nil {
		return Reply{}, err
	}
	return toReply(resp), nil
}

func toReply(resp api.Response) Reply {
	r := Reply{Index: resp.Index}
	if resp.Result != nil {
		r.Result = *resp.Result
	}
	return r
}

func (c *HTTPConn) do(ctx context.Context, method, addr, path string, body any) (api.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return api.Response{}, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, BaseURL(addr)+path, reader)
	if err != nil {
		return api.Response{}, fmt.Errorf("create %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return api.Response{}, fmt.Errorf("%w: %v", dberrors.ErrTimeout, err)
		}
		return api.Response{}, transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	var out api.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return api.Response{}, transient(fmt.Errorf("%s %s: status=%d, decode response: %w", method, path, resp.StatusCode, err))
	}
	if out.Status == api.StatusError || resp.StatusCode >= http.StatusBadRequest {
		return api.Response{}, classify(api.ErrorOf(out.Code, out.Error), out.Code)
	}
	return out, nil
}

// classify решает, можно ли повторить запрос на другой реплике.
func classify(err error, code api.Code) error {
	switch code {
	case api.CodeNotLeader, api.CodeTimeout, api.CodeClosed, api.CodeInternal, "":
		return transient(err)
	}
	return err
}

// BaseURL accepts both host:port and full URLs.
func BaseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
