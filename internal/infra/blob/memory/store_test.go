package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"titertrack/internal/blob/core"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	if s.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver")
	}
	meta := map[string]string{"k": "v"}
	if _, err := s.Put(ctx, "a/1", strings.NewReader("one"), core.PutOptions{Metadata: meta}); err != nil {
		t.Fatalf("put: %v", err)
	}
	meta["k"] = "mutated"
	info, rc, err := s.Get(ctx, "a/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "one" || info.Metadata["k"] != "v" || info.ETag == "" {
		t.Fatalf("unexpected get %+v %q", info, data)
	}
	if _, err := s.Put(ctx, "a/1", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := s.Put(ctx, "", strings.NewReader("x"), core.PutOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
	_, _ = s.Put(ctx, "b/2", strings.NewReader("two"), core.PutOptions{})
	if list, _ := s.List(ctx, "a/"); len(list) != 1 {
		t.Fatalf("expected prefix filter, got %+v", list)
	}
	if _, err := s.PresignURL(ctx, "a/1", core.SignedURLOptions{}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported presign, got %v", err)
	}
	if ok, _ := s.Delete(ctx, "a/1"); !ok {
		t.Fatalf("expected delete to report existing")
	}
	if _, _, err := s.Get(ctx, "a/1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
