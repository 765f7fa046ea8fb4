package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/narrator/internal/resilience"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/provider/tts/mock"
)

func TestRateLimited_Throttles(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{}
	rl := resilience.NewRateLimited(b, "mock", 20, 1)

	start := time.Now()
	for range 3 {
		if _, err := rl.Generate(context.Background(), "hello", "v", nil); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}
	// One token up front, then one every 50ms.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 calls took %s, want throttling", elapsed)
	}
	if b.GenerateCount() != 3 {
		t.Errorf("GenerateCount = %d", b.GenerateCount())
	}
}

func TestRateLimited_ContextCancelled(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{}
	rl := resilience.NewRateLimited(b, "mock", 0.001, 1)
	if _, err := rl.Generate(context.Background(), "first", "v", nil); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := rl.Generate(ctx, "second", "v", nil)
	if err == nil {
		t.Fatal("expected an error while waiting for a token")
	}
	if b.GenerateCount() != 1 {
		t.Errorf("GenerateCount = %d, want 1", b.GenerateCount())
	}
}

func TestRateLimited_InvalidInputSkipsLimiter(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{Concurrency: 3}
	rl := resilience.NewRateLimited(b, "mock", 0.001, 1)
	for range 3 {
		if _, err := rl.Generate(context.Background(), "", "v", nil); !errors.Is(err, tts.ErrInvalidInput) {
			t.Fatalf("err = %v, want ErrInvalidInput", err)
		}
	}
	if _, err := rl.Generate(context.Background(), "hello", "v", nil); err != nil {
		t.Errorf("token consumed by invalid input: %v", err)
	}
	if tts.Concurrency(rl) != 3 {
		t.Errorf("concurrency = %d, want 3", tts.Concurrency(rl))
	}
}

func TestRateLimited_SetLimit(t *testing.T) {
	t.Parallel()

	rl := resilience.NewRateLimited(&mock.Backend{}, "mock", 0.001, 1)
	_, _ = rl.Generate(context.Background(), "a", "v", nil)
	rl.SetLimit(1000, 5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := rl.Generate(ctx, "b", "v", nil); err != nil {
		t.Errorf("Generate after SetLimit: %v", err)
	}
}
