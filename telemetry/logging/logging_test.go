package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWrapsBaseLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	log := New(base)
	log.InfoCtx(context.Background(), "hello", "key", "value")
	if !strings.Contains(buf.String(), "hello") || !strings.Contains(buf.String(), "key=value") {
		t.Fatalf("log output: %s", buf.String())
	}
}

func TestNewWithOptionsWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.log")
	log := NewWithOptions(Options{Level: slog.LevelInfo, JSON: true, FilePath: path})
	log.WarnCtx(context.Background(), "rotating file sink")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "rotating file sink") {
		t.Fatalf("log file content: %s", data)
	}
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	log.InfoCtx(context.Background(), "dropped")
	log.ErrorCtx(context.Background(), "dropped")
}
