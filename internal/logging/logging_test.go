package logging

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitLevels(t *testing.T) {
	out := filepath.Join(t.TempDir(), "vfs.log")
	if err := Init(Config{Level: "warn", Format: "json", OutputPath: out}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer InitNop()

	if L().Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	SetLevel("debug")
	if !L().Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should be enabled after SetLevel")
	}
	SetLevel("bogus")
	if !L().Core().Enabled(zapcore.DebugLevel) {
		t.Error("invalid level must not change the current level")
	}
}

func TestInitUnknownLevelFallsBackToInfo(t *testing.T) {
	out := filepath.Join(t.TempDir(), "vfs.log")
	if err := Init(Config{Level: "loud", Format: "console", OutputPath: out}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer InitNop()

	if !L().Core().Enabled(zapcore.InfoLevel) || L().Core().Enabled(zapcore.DebugLevel) {
		t.Error("expected info level")
	}
}

func TestWithFields(t *testing.T) {
	InitNop()
	ctx := context.Background()
	if WithContext(ctx) != L() {
		t.Error("empty context should yield the global logger")
	}
	ctx = WithFields(ctx, zap.String("volume", "/cloud"))
	if WithContext(ctx) == L() {
		t.Error("context logger should differ from the global logger")
	}
}

type kind string

func (k kind) String() string { return string(k) }

func TestDomainFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	defer InitNop()

	ForVolume("/cloud", "s3").Info("volume attached")
	WithContext(WithOperation(context.Background(), "rename", "/cloud/a")).
		Debug("renamed", Kind(kind("modified")))

	entries := logs.AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	vol := entries[0].ContextMap()
	if vol["volume"] != "/cloud" || vol["adapter"] != "s3" {
		t.Errorf("volume fields = %v", vol)
	}
	op := entries[1].ContextMap()
	if op["op"] != "rename" || op["path"] != "/cloud/a" || op["kind"] != "modified" {
		t.Errorf("operation fields = %v", op)
	}
}
