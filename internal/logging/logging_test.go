package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInit_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.log")

	err := Init(&Config{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer func() { _ = Init(nil) }()

	WithComponent("test").Info("hello from the queue", slog.String("item_id", "abc"))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"component":"test"`) {
		t.Errorf("log output missing component attribute: %s", out)
	}
	if !strings.Contains(out, "hello from the queue") {
		t.Errorf("log output missing message: %s", out)
	}
}

func TestInit_InvalidRotationConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.log")

	err := Init(&Config{
		Output:   path,
		Rotation: &RotationConfig{MaxSize: "lots"},
	})
	if err == nil {
		t.Error("Init() error = nil for invalid max_size, want error")
	}
}

func TestWithContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.log")
	if err := Init(&Config{Format: "json", Output: path}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer func() { _ = Init(nil) }()

	ctx := ContextWithItemID(context.Background(), "item-1")
	ctx = ContextWithAgentID(ctx, "agent-7")
	ctx = ContextWithCorrelationID(ctx, "corr-9")

	WithContext(ctx).Info("assigned")

	data, _ := os.ReadFile(path)
	out := string(data)
	for _, want := range []string{`"item_id":"item-1"`, `"agent_id":"agent-7"`, `"correlation_id":"corr-9"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestRotatingWriter_RotatesAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.log")

	w, err := newRotatingWriter(path, &RotationConfig{MaxSize: "1KB", MaxBackups: 5})
	if err != nil {
		t.Fatalf("newRotatingWriter() error = %v", err)
	}

	line := strings.Repeat("x", 100) + "\n"
	for i := 0; i < 15; i++ {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "worker.*.log"))
	if len(matches) == 0 {
		t.Error("no backup files after exceeding size limit")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat current log: %v", err)
	}
	if info.Size() > 1024 {
		t.Errorf("current log size = %d, want <= 1024", info.Size())
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"100MB", 100 * 1024 * 1024, false},
		{"1KB", 1024, false},
		{"2GB", 2 * 1024 * 1024 * 1024, false},
		{"512B", 512, false},
		{"64", 64, false},
		{" 10 kb ", 10 * 1024, false},
		{"many", 0, true},
	}

	for _, tt := range tests {
		got, err := parseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"7d", 7 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"36h", 36 * time.Hour, false},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		got, err := parseAge(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseAge(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseAge(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
