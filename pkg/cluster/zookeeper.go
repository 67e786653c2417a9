package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const nodesDir = "nodes"

// ZKRegistry публикует адрес реплики эфемерным узлом <root>/nodes/<id>.
// Узел исчезает вместе с zk сессией, поэтому список детей всегда
// совпадает с живыми репликами.
type ZKRegistry struct {
	conn     *zk.Conn
	rootPath string
	id       uint64
	addr     string
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKRegistry(servers []string, rootPath string, sessionTimeout time.Duration, id uint64, addr string) (*ZKRegistry, error) {
	conn, err := connect(servers, sessionTimeout)
	if err != nil {
		return nil, err
	}
	return &ZKRegistry{
		conn:     conn,
		rootPath: rootPath,
		id:       id,
		addr:     addr,
	}, nil
}

func connect(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	if len(servers) == 0 {
		return nil, errors.New("zk: no servers configured")
	}
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return conn, nil
}

func (r *ZKRegistry) Close() error {
	r.conn.Close()
	return nil
}

// RegisterSelf создаёт ephemeral-узел для текущей ноды. Старый узел с тем же
// id (после рестарта, пока zk не истёк прошлую сессию) перезаписывается.
func (r *ZKRegistry) RegisterSelf(ctx context.Context) error {
	if err := waitConnected(ctx, r.conn); err != nil {
		return err
	}
	if err := ensurePath(r.conn, path.Join(r.rootPath, nodesDir)); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := NodePath(r.rootPath, r.id)
	_, err := r.conn.Create(nodePath, []byte(r.addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = r.conn.Set(nodePath, []byte(r.addr), -1)
	}
	if err != nil {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("Registered in zookeeper", "path", nodePath, "addr", r.addr)
	return nil
}

// Deregister удаляет узел сразу, не дожидаясь истечения сессии.
func (r *ZKRegistry) Deregister() error {
	err := r.conn.Delete(NodePath(r.rootPath, r.id), -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

// ZKResolver отдаёт клиенту адреса живых реплик.
type ZKResolver struct {
	conn     *zk.Conn
	rootPath string
}

func NewZKResolver(servers []string, rootPath string, sessionTimeout time.Duration) (*ZKResolver, error) {
	conn, err := connect(servers, sessionTimeout)
	if err != nil {
		return nil, err
	}
	return &ZKResolver{conn: conn, rootPath: rootPath}, nil
}

func (r *ZKResolver) Close() error {
	r.conn.Close()
	return nil
}

// Resolve читает список живых нод, упорядоченный по id.
func (r *ZKResolver) Resolve(ctx context.Context) ([]string, error) {
	if err := waitConnected(ctx, r.conn); err != nil {
		return nil, err
	}
	dir := path.Join(r.rootPath, nodesDir)
	children, _, err := r.conn.Children(dir)
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	sort.Strings(children)

	addrs := make([]string, 0, len(children))
	for _, child := range children {
		if _, ok := ParseNodeName(child); !ok {
			continue
		}
		data, _, err := r.conn.Get(path.Join(dir, child))
		if errors.Is(err, zk.ErrNoNode) {
			// нода ушла между Children и Get
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", child, err)
		}
		if len(data) > 0 {
			addrs = append(addrs, string(data))
		}
	}
	return addrs, nil
}

// Watch вызывает fn при каждом изменении состава нод, пока жив ctx.
func (r *ZKResolver) Watch(ctx context.Context, fn func([]string)) {
	go func() {
		dir := path.Join(r.rootPath, nodesDir)
		for {
			_, _, ch, err := r.conn.ChildrenW(dir)
			if err != nil {
				slog.Warn("zk ChildrenW error", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			addrs, err := r.Resolve(ctx)
			if err == nil {
				fn(addrs)
			}

			select {
			case ev := <-ch:
				slog.Debug("zk event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// NodePath is the registry node of replica id under root.
func NodePath(root string, id uint64) string {
	return path.Join(root, nodesDir, strconv.FormatUint(id, 16))
}

func ParseNodeName(name string) (uint64, bool) {
	id, err := strconv.ParseUint(name, 16, 64)
	return id, err == nil && id != 0
}

func ensurePath(conn *zk.Conn, p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Ждём, пока клиент реально подключится к ZK
func waitConnected(ctx context.Context, conn *zk.Conn) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected, state=%v: %w", st, ctx.Err())
		}
	}
}
