package gateway

import (
	"context"
	"log/slog"
	"testing"
)

type fakeLister struct {
	fetches int
	groups  []Group
	err     error
}

func (f *fakeLister) FetchGroups(ctx context.Context) ([]Group, error) {
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.groups, nil
}

func TestGroupCacheFetchOnMiss(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{groups: []Group{{ID: "g1", Name: "One"}, {ID: "g2", Name: "Two"}}}
	c := NewGroupCache(lister, slog.New(slog.DiscardHandler))

	first, err := c.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if lister.fetches != 1 {
		t.Fatalf("fetches = %d, want 1 (second Get served from cache)", lister.fetches)
	}
	if len(first) != 2 || first[0].ID != second[0].ID {
		t.Fatalf("listings differ: %+v vs %+v", first, second)
	}
}

func TestGroupCacheInvalidate(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{groups: []Group{{ID: "g1"}}}
	c := NewGroupCache(lister, slog.New(slog.DiscardHandler))

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Invalidate()
	lister.groups = []Group{{ID: "g1"}, {ID: "g9"}}
	got, err := c.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if lister.fetches != 2 {
		t.Fatalf("fetches = %d, want 2 after invalidate", lister.fetches)
	}
	if len(got) != 2 {
		t.Fatalf("stale listing after invalidate: %+v", got)
	}
}

func TestGroupCacheReturnsCopy(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{groups: []Group{{ID: "g1", Name: "One"}}}
	c := NewGroupCache(lister, slog.New(slog.DiscardHandler))

	got, _ := c.Get(context.Background())
	got[0].Name = "mutated"

	again, _ := c.Get(context.Background())
	if again[0].Name != "One" {
		t.Fatal("caller mutation leaked into the cache")
	}
}
