package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/store"
)

// backendFactories lists every backend the contract suite runs against.
// Redis only runs when REDIS_ADDR points at a disposable server.
func backendFactories(t *testing.T) map[string]func(t *testing.T) store.Backend {
	t.Helper()
	factories := map[string]func(t *testing.T) store.Backend{
		"memory": func(t *testing.T) store.Backend {
			return store.NewMemoryBackend()
		},
		"file": func(t *testing.T) store.Backend {
			b, err := store.NewFileBackend(t.TempDir())
			if err != nil {
				t.Fatalf("NewFileBackend() error = %v", err)
			}
			return b
		},
		"badger": func(t *testing.T) store.Backend {
			b, err := store.OpenBadgerBackend(store.InMemoryBadgerConfig())
			if err != nil {
				t.Fatalf("OpenBadgerBackend() error = %v", err)
			}
			return b
		},
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		factories["redis"] = func(t *testing.T) store.Backend {
			b, err := store.NewRedisBackend(context.Background(), store.RedisConfig{
				Addr:      addr,
				KeyPrefix: fmt.Sprintf("substrate-test-%s:", filepath.Base(t.TempDir())),
			})
			if err != nil {
				t.Fatalf("NewRedisBackend() error = %v", err)
			}
			return b
		}
	}
	return factories
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b store.Backend)) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			t.Cleanup(func() { b.Close() })
			fn(t, b)
		})
	}
}

// ─── Contract ────────────────────────────────────────────────

func TestBackend_WriteRead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		want := []byte(`{"id":"c1","version":3}`)

		if err := b.Write(ctx, "campaign/c1", want); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		got, err := b.Read(ctx, "campaign/c1")
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Read() = %s, want %s", got, want)
		}
	})
}

func TestBackend_Overwrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		b.Write(ctx, "campaign/c1", []byte("v1"))
		if err := b.Write(ctx, "campaign/c1", []byte("v2")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		got, _ := b.Read(ctx, "campaign/c1")
		if string(got) != "v2" {
			t.Errorf("Read() after overwrite = %q, want %q", got, "v2")
		}
	})
}

func TestBackend_ReadMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		_, err := b.Read(context.Background(), "campaign/missing")
		if !store.IsNotFound(err) {
			t.Errorf("Read() missing error = %v, want ErrNotFound", err)
		}
	})
}

func TestBackend_Delete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		b.Write(ctx, "campaign/del", []byte("x"))

		if err := b.Delete(ctx, "campaign/del"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := b.Read(ctx, "campaign/del"); !store.IsNotFound(err) {
			t.Errorf("Read() after delete error = %v, want ErrNotFound", err)
		}
		if err := b.Delete(ctx, "campaign/del"); !store.IsNotFound(err) {
			t.Errorf("second Delete() error = %v, want ErrNotFound", err)
		}
	})
}

func TestBackend_ListByPrefix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		for _, k := range []string{"campaign/b", "campaign/a", "job/x"} {
			if err := b.Write(ctx, k, []byte("{}")); err != nil {
				t.Fatalf("Write(%s) error = %v", k, err)
			}
		}

		got, err := b.List(ctx, "campaign/")
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		want := []string{"campaign/a", "campaign/b"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("List() = %v, want %v", got, want)
		}
	})
}

func TestBackend_RejectsInvalidKeys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		for _, key := range []string{"", "../escape", "/abs", "a//b", "a/./b"} {
			err := b.Write(context.Background(), key, []byte("x"))
			if !errors.Is(err, store.ErrInvalidKey) {
				t.Errorf("Write(%q) error = %v, want ErrInvalidKey", key, err)
			}
		}
	})
}

func TestBackend_ConcurrentWriters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := b.Write(ctx, "campaign/hot", []byte(fmt.Sprintf(`{"writer":%d}`, i))); err != nil {
					t.Errorf("Write() error = %v", err)
				}
			}(i)
		}
		wg.Wait()

		got, err := b.Read(ctx, "campaign/hot")
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		// Whichever writer won, the value must be one complete record.
		var writer int
		if _, err := fmt.Sscanf(string(got), `{"writer":%d}`, &writer); err != nil {
			t.Errorf("Read() = %q is not a complete record: %v", got, err)
		}
	})
}

// ─── Backend specifics ───────────────────────────────────────

func TestFileBackend_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	b, err := store.NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.Write(ctx, "campaign/c1", []byte(fmt.Sprintf("%d", i)))
	}

	entries, err := os.ReadDir(filepath.Join(dir, "campaign"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "c1.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("data dir contains %v, want only c1.json", names)
	}
}

func TestFileBackend_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b1, _ := store.NewFileBackend(dir)
	b1.Write(ctx, "campaign/persist", []byte("kept"))

	b2, err := store.NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend() reopen error = %v", err)
	}
	got, err := b2.Read(ctx, "campaign/persist")
	if err != nil || string(got) != "kept" {
		t.Errorf("Read() after reopen = %q, %v; want %q", got, err, "kept")
	}
}

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	b, err := store.Open(ctx, store.Config{Kind: store.KindMemory})
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	if _, ok := b.(*store.MemoryBackend); !ok {
		t.Errorf("Open(memory) = %T, want *store.MemoryBackend", b)
	}

	b, err = store.Open(ctx, store.Config{Kind: store.KindFile, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open(file) error = %v", err)
	}
	if _, ok := b.(*store.FileBackend); !ok {
		t.Errorf("Open(file) = %T, want *store.FileBackend", b)
	}

	if _, err := store.Open(ctx, store.Config{Kind: "s3"}); err == nil {
		t.Error("Open(s3) error = nil, want unknown backend error")
	}
}
