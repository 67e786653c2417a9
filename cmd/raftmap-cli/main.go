package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"raftmap/pkg/client"
	"raftmap/pkg/cluster"
	"raftmap/pkg/config"
	"raftmap/pkg/dberrors"
)

const usage = `usage: raftmap-cli [flags] <command>

commands:
  get <key>
  put <key> <value>
  clear
  size
  entries
`

func main() {
	fs := flag.NewFlagSet("raftmap-cli", flag.ExitOnError)
	addrs := fs.String("addrs", "127.0.0.1:5000", "comma separated replica addresses")
	configPath := fs.String("config", "config.yaml", "client config; zookeeper.enabled switches address discovery to zookeeper")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	resolver, closeResolver, err := newResolver(&cfg, *addrs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolver: %v\n", err)
		os.Exit(1)
	}
	defer closeResolver()

	ctx := context.Background()
	s := client.NewSession(client.NewHTTPConn(cfg.Client.OperationTimeout), resolver, client.OptionsFromConfig(&cfg))
	if err := s.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer s.Close(ctx)

	if err := execute(ctx, client.NewMap(s), fs.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			fs.Usage()
			_ = s.Close(ctx)
			os.Exit(2)
		}
		_ = s.Close(ctx)
		os.Exit(1)
	}
}

func newResolver(cfg *config.Config, addrs string) (client.Resolver, func(), error) {
	if !cfg.ZooKeeper.Enabled {
		return client.StaticResolver(strings.Split(addrs, ",")), func() {}, nil
	}
	zk := cfg.ZooKeeper
	r, err := cluster.NewZKResolver(zk.Servers, zk.Root, zk.SessionTimeout)
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}

var errUsage = errors.New("bad arguments")

// mapAPI is the part of client.Map the commands use.
type mapAPI interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) ([]byte, bool, error)
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
	Entries(ctx context.Context) (map[string][]byte, error)
}

func execute(ctx context.Context, m mapAPI, args []string, out io.Writer) error {
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return errUsage
		}
		v, ok, err := m.Get(ctx, args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", args[1], dberrors.ErrNotFound)
		}
		fmt.Fprintln(out, string(v))
	case "put":
		if len(args) != 3 {
			return errUsage
		}
		prev, existed, err := m.Put(ctx, args[1], []byte(args[2]))
		if err != nil {
			return err
		}
		if existed {
			fmt.Fprintf(out, "OK (previous: %s)\n", prev)
		} else {
			fmt.Fprintln(out, "OK")
		}
	case "clear":
		if err := m.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
	case "size":
		n, err := m.Size(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, n)
	case "entries":
		entries, err := m.Entries(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "%s=%s\n", k, entries[k])
		}
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	return nil
}
