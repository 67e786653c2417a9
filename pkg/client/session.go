package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"raftmap/pkg/api"
	"raftmap/pkg/config"
	"raftmap/pkg/dberrors"
	"raftmap/pkg/operation"
	"raftmap/pkg/types"

	"github.com/google/uuid"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Options struct {
	// SessionTimeout is how long the cluster keeps the session without
	// hearing from the client. Keep-alives go out every third of it.
	SessionTimeout time.Duration
	// OperationTimeout bounds how long Await blocks. Zero means only the
	// caller's context bounds it.
	OperationTimeout time.Duration
	RetryDelay       time.Duration
	Consistency      string
	OnStateChange    func(from, to State)
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SessionTimeout:   cfg.Session.Timeout,
		OperationTimeout: cfg.Client.OperationTimeout,
		RetryDelay:       cfg.Client.RetryDelay,
		Consistency:      cfg.Session.ReadConsistency,
	}
}

// Session is one client identity registered in the replicated session table.
// Any number of goroutines may submit through it. Commands get consecutive
// sequence numbers and keep them across reconnects, so a resend after a lost
// reply is answered from the server's cache instead of being applied again.
type Session struct {
	id       types.SessionID
	conn     Conn
	resolver Resolver
	opts     Options

	mu       sync.Mutex
	state    State
	closeErr error
	addrs    []string
	cur      int
	seq      types.Seq
	ack      types.Seq
	received map[types.Seq]struct{}
	maxIndex types.LogIndex
	pending  map[types.Seq]*Future
	queries  map[*Future]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSession(conn Conn, resolver Resolver, opts Options) *Session {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       types.SessionID(uuid.NewString()),
		conn:     conn,
		resolver: resolver,
		opts:     opts,
		state:    Disconnected,
		received: make(map[types.Seq]struct{}),
		pending:  make(map[types.Seq]*Future),
		queries:  make(map[*Future]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Session) ID() types.SessionID {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr is the replica the session currently talks to.
func (s *Session) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.addrs) == 0 {
		return ""
	}
	return s.addrs[s.cur]
}

// setState must be called without s.mu held.
func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == Closed || from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	s.notify(from, to)
}

func (s *Session) notify(from, to State) {
	slog.Debug("session state changed", "session", s.id, "from", from, "to", to)
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(from, to)
	}
}

// Connect registers the session on the first reachable replica and starts
// the keep-alive loop.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Disconnected {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect: session is %s", st)
	}
	s.mu.Unlock()
	s.setState(Connecting)

	addrs, err := s.resolver.Resolve(ctx)
	if err != nil {
		s.setState(Disconnected)
		return fmt.Errorf("%w: resolve: %v", dberrors.ErrNoReplicas, err)
	}

	var lastErr error
	for i, addr := range addrs {
		index, err := s.conn.Register(ctx, addr, s.id, s.opts.SessionTimeout)
		if err == nil {
			s.mu.Lock()
			s.addrs = addrs
			s.cur = i
			s.maxIndex = max(s.maxIndex, index)
			s.mu.Unlock()
			s.setState(Connected)

			s.wg.Add(1)
			go s.keepAlive()
			slog.Info("Session registered", "session", s.id, "addr", addr)
			return nil
		}
		lastErr = err
		if !Retryable(err) {
			break
		}
		slog.Debug("register failed, trying next replica", "addr", addr, "error", err)
	}

	s.setState(Disconnected)
	return fmt.Errorf("%w: %v", dberrors.ErrNoReplicas, lastErr)
}

// Submit sends op without waiting for it. Rejected operations come back as
// an already failed Future.
func (s *Session) Submit(op operation.Operation) *Future {
	if err := op.Validate(); err != nil {
		return failedFuture(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Closed:
		return failedFuture(op, s.closeErr)
	case Disconnected, Connecting:
		return failedFuture(op, fmt.Errorf("%w: session is not connected", dberrors.ErrClosed))
	}

	f := newFuture(op, s.opts.OperationTimeout)
	s.wg.Add(1)
	if op.Mutating() {
		s.seq++
		s.pending[s.seq] = f
		go s.dispatchCommand(s.seq, f)
	} else {
		s.queries[f] = struct{}{}
		go s.dispatchQuery(f)
	}
	return f
}

// Execute submits op and waits for its result.
func (s *Session) Execute(ctx context.Context, op operation.Operation) (operation.Result, error) {
	return s.Submit(op).Await(ctx)
}

func (s *Session) dispatchCommand(seq types.Seq, f *Future) {
	defer s.wg.Done()
	reply, err := s.retry(func(ctx context.Context, addr string) (Reply, error) {
		s.mu.Lock()
		ack := s.ack
		s.mu.Unlock()
		return s.conn.Command(ctx, addr, api.CommandRequest{
			SessionID: s.id,
			Seq:       seq,
			Ack:       ack,
			Op:        f.op,
		})
	})

	s.mu.Lock()
	delete(s.pending, seq)
	if err == nil {
		s.received[seq] = struct{}{}
		for {
			if _, ok := s.received[s.ack+1]; !ok {
				break
			}
			delete(s.received, s.ack+1)
			s.ack++
		}
		s.maxIndex = max(s.maxIndex, reply.Index)
	}
	s.mu.Unlock()

	s.finish(f, reply, err)
}

func (s *Session) dispatchQuery(f *Future) {
	defer s.wg.Done()
	reply, err := s.retry(func(ctx context.Context, addr string) (Reply, error) {
		s.mu.Lock()
		minIndex := s.maxIndex
		s.mu.Unlock()
		return s.conn.Query(ctx, addr, api.QueryRequest{
			SessionID:   s.id,
			MinIndex:    minIndex,
			Consistency: s.opts.Consistency,
			Op:          f.op,
		})
	})

	s.mu.Lock()
	delete(s.queries, f)
	if err == nil {
		s.maxIndex = max(s.maxIndex, reply.Index)
	}
	s.mu.Unlock()

	s.finish(f, reply, err)
}

func (s *Session) finish(f *Future, reply Reply, err error) {
	if errors.Is(err, dberrors.ErrSessionExpired) {
		s.expire(err)
	}
	if !f.resolve(reply.Result, reply.Index, err) {
		slog.Debug("dropping result of an abandoned request", "op", f.op)
	}
}

// retry resends until the request gets a definitive answer or the session
// ends. Transport faults rotate to the next replica.
func (s *Session) retry(send func(ctx context.Context, addr string) (Reply, error)) (Reply, error) {
	for {
		addr, err := s.target()
		if err != nil {
			return Reply{}, err
		}

		reply, err := send(s.ctx, addr)
		if err == nil {
			s.setState(Connected)
			return reply, nil
		}
		if s.ctx.Err() != nil {
			return Reply{}, s.terminalErr()
		}
		if !Retryable(err) {
			return Reply{}, err
		}

		slog.Debug("request failed, reconnecting", "session", s.id, "addr", addr, "error", err)
		s.reconnect(addr)

		select {
		case <-time.After(s.opts.RetryDelay):
		case <-s.ctx.Done():
			return Reply{}, s.terminalErr()
		}
	}
}

func (s *Session) target() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return "", s.closeErr
	}
	if len(s.addrs) == 0 {
		return "", dberrors.ErrNoReplicas
	}
	return s.addrs[s.cur], nil
}

func (s *Session) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return dberrors.ErrClosed
}

// reconnect moves the session off a failed replica. Concurrent failures on
// the same replica rotate only once.
func (s *Session) reconnect(failed string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.SessionTimeout/3)
	addrs, err := s.resolver.Resolve(ctx)
	cancel()
	if err != nil {
		slog.Warn("failed to re-resolve replicas", "session", s.id, "error", err)
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	if err == nil && len(addrs) > 0 {
		cur := s.addrs[s.cur]
		s.addrs = addrs
		s.cur = 0
		for i, a := range addrs {
			if a == cur {
				s.cur = i
				break
			}
		}
	}
	if s.addrs[s.cur] == failed {
		s.cur = (s.cur + 1) % len(s.addrs)
	}
	from := s.state
	s.state = Reconnecting
	s.mu.Unlock()

	if from != Reconnecting {
		s.notify(from, Reconnecting)
	}
}

func (s *Session) keepAlive() {
	defer s.wg.Done()
	interval := s.opts.SessionTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}

		addr, err := s.target()
		if err != nil {
			return
		}
		s.mu.Lock()
		ack := s.ack
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(s.ctx, interval)
		err = s.conn.KeepAlive(ctx, addr, s.id, ack)
		cancel()
		switch {
		case err == nil:
			s.setState(Connected)
		case errors.Is(err, dberrors.ErrSessionExpired):
			s.expire(err)
			return
		case s.ctx.Err() != nil:
			return
		default:
			slog.Debug("keep-alive failed", "session", s.id, "addr", addr, "error", err)
			s.reconnect(addr)
		}
	}
}

// expire closes the session after the cluster dropped it. Outstanding
// requests fail with err through their dispatchers.
func (s *Session) expire(err error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = Closed
	s.closeErr = err
	s.mu.Unlock()

	slog.Warn("Session expired", "session", s.id)
	s.notify(from, Closed)
	s.cancel()
}

// Close unregisters the session and fails every outstanding future with
// dberrors.ErrClosed. Operations already sent may still be applied.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	from := s.state
	s.state = Closed
	s.closeErr = dberrors.ErrClosed
	var addr string
	if len(s.addrs) > 0 {
		addr = s.addrs[s.cur]
	}
	s.mu.Unlock()
	s.notify(from, Closed)

	var err error
	if addr != "" && (from == Connected || from == Reconnecting) {
		if err = s.conn.Unregister(ctx, addr, s.id); err != nil {
			slog.Warn("failed to unregister session", "session", s.id, "error", err)
		}
	}

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	left := make([]*Future, 0, len(s.pending)+len(s.queries))
	for _, f := range s.pending {
		left = append(left, f)
	}
	for f := range s.queries {
		left = append(left, f)
	}
	s.pending = make(map[types.Seq]*Future)
	s.queries = make(map[*Future]struct{})
	s.mu.Unlock()

	for _, f := range left {
		f.resolve(operation.Result{}, 0, dberrors.ErrClosed)
	}
	return err
}
