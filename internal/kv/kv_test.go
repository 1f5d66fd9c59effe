package kv_test

import (
	"context"
	"errors"
	"testing"

	"github.com/viant/sqlite-dedup/internal/kv"
)

func stores(t *testing.T) map[string]kv.Store {
	t.Helper()
	b, err := kv.NewBadger(kv.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return map[string]kv.Store{"memory": kv.NewMemory(), "badger": b}
}

func TestGetSet(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key := kv.Key{"fp", "t1", "ff"}
			if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := s.Set(ctx, key, []byte("hello")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := s.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "hello" {
				t.Fatalf("Get = %q, want hello", got)
			}
		})
	}
}

func TestListPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.BatchSet(ctx, []kv.Entry{
				{Key: kv.Key{"fp", "t1", "bb"}, Value: []byte("2")},
				{Key: kv.Key{"fp", "t1", "aa"}, Value: []byte("1")},
				{Key: kv.Key{"fp", "t10", "aa"}, Value: []byte("x")},
				{Key: kv.Key{"part", "t1"}, Value: []byte("meta")},
			})
			if err != nil {
				t.Fatalf("BatchSet: %v", err)
			}
			var keys []string
			for e, err := range s.List(ctx, kv.Key{"fp", "t1"}) {
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				keys = append(keys, e.Key.String())
			}
			if len(keys) != 2 || keys[0] != "fp:t1:aa" || keys[1] != "fp:t1:bb" {
				t.Fatalf("List keys = %v, want [fp:t1:aa fp:t1:bb]", keys)
			}
		})
	}
}

func TestListEarlyBreak(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"a", "b", "c"} {
				if err := s.Set(ctx, kv.Key{"p", k}, []byte(k)); err != nil {
					t.Fatalf("Set: %v", err)
				}
			}
			n := 0
			for _, err := range s.List(ctx, kv.Key{"p"}) {
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				n++
				if n == 2 {
					break
				}
			}
			if n != 2 {
				t.Fatalf("iterated %d entries, want 2", n)
			}
		})
	}
}
