package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"raftmap/pkg/dberrors"
)

type memMap map[string][]byte

func (m memMap) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memMap) Put(_ context.Context, key string, value []byte) ([]byte, bool, error) {
	prev, ok := m[key]
	m[key] = value
	return prev, ok, nil
}

func (m memMap) Clear(context.Context) error {
	for k := range m {
		delete(m, k)
	}
	return nil
}

func (m memMap) Size(context.Context) (int, error) { return len(m), nil }

func (m memMap) Entries(context.Context) (map[string][]byte, error) { return m, nil }

func TestExecute(t *testing.T) {
	m := memMap{}
	ctx := context.Background()
	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		if err := execute(ctx, m, args, &out); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out.String()
	}

	if got := run("put", "baz", "Hello world!"); got != "OK\n" {
		t.Fatalf("put: %q", got)
	}
	if got := run("put", "baz", "again"); got != "OK (previous: Hello world!)\n" {
		t.Fatalf("second put: %q", got)
	}
	run("put", "alpha", "1")
	if got := run("get", "baz"); got != "again\n" {
		t.Fatalf("get: %q", got)
	}
	if got := run("size"); got != "2\n" {
		t.Fatalf("size: %q", got)
	}
	if got := run("entries"); got != "alpha=1\nbaz=again\n" {
		t.Fatalf("entries: %q", got)
	}
	run("clear")
	if got := run("size"); got != "0\n" {
		t.Fatalf("size after clear: %q", got)
	}
}

func TestExecuteErrors(t *testing.T) {
	var out bytes.Buffer
	ctx := context.Background()

	if err := execute(ctx, memMap{}, []string{"get", "missing"}, &out); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, args := range [][]string{{"put", "k"}, {"get"}, {"remove", "k"}} {
		if err := execute(ctx, memMap{}, args, &out); !errors.Is(err, errUsage) {
			t.Fatalf("%v: expected usage error, got %v", args, err)
		}
	}
}
