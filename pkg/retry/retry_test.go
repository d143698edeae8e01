package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fruitsalade/vfs/pkg/fserrors"
)

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return fserrors.New("read", "/x", fserrors.KindIO, errors.New("connection reset"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDo_StructuralErrorsAreTerminal(t *testing.T) {
	tests := []struct {
		name string
		kind fserrors.Kind
	}{
		{"not found", fserrors.KindNotFound},
		{"path exists", fserrors.KindPathExists},
		{"permission", fserrors.KindPermissionDenied},
		{"quota", fserrors.KindQuotaExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Do(context.Background(), fastConfig(), func() error {
				attempts++
				return fserrors.New("write", "/x", tt.kind, nil)
			})
			if !fserrors.Is(err, tt.kind) {
				t.Errorf("err = %v", err)
			}
			if attempts != 1 {
				t.Errorf("attempts = %d, want 1", attempts)
			}
		})
	}
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return Retryable(errors.New("busy"))
	})
	if err == nil || err.Error() != "busy" {
		t.Errorf("err = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDo_PlainErrorsAreNotRetried(t *testing.T) {
	attempts := 0
	_ = Do(context.Background(), fastConfig(), func() error {
		attempts++
		return errors.New("plain")
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.MaxAttempts = 0
	cfg.InitialWait = time.Hour
	cfg.MaxWait = time.Hour

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func() error { return Retryable(errors.New("again")) })
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestDoWithResult_CustomPredicate(t *testing.T) {
	cfg := fastConfig()
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "retry me" }

	attempts := 0
	v, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		attempts++
		if attempts == 1 {
			return 0, errors.New("retry me")
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Errorf("got %d, %v", v, err)
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: 3 * time.Second, Multiplier: 10}
	if got := backoff(cfg, 5); got != 3*time.Second {
		t.Errorf("backoff = %v, want 3s", got)
	}
}
