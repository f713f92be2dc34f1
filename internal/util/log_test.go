package util

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger("debug")
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}

	logger = NewLogger("invalid")
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %s", logger.GetLevel())
	}
}

func TestNewLoggerToFansOut(t *testing.T) {
	var a, b bytes.Buffer
	logger := NewLoggerTo("info", &a, &b)
	logger.Info().Str("mode", "demo").Msg("started")
	logger.Debug().Msg("hidden")

	for i, buf := range []*bytes.Buffer{&a, &b} {
		out := buf.String()
		if !strings.Contains(out, "started") || !strings.Contains(out, "demo") {
			t.Fatalf("writer %d missing entry: %s", i, out)
		}
		if strings.Contains(out, "hidden") {
			t.Fatalf("writer %d should drop debug entries", i)
		}
	}
}

func TestOpenLogFile(t *testing.T) {
	dir := t.TempDir() + "/logs"
	file, err := OpenLogFile(dir, "run_bot.log")
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	if _, err := file.WriteString("line\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = file.Close()
	data, err := os.ReadFile(dir + "/run_bot.log")
	if err != nil || string(data) != "line\n" {
		t.Fatalf("unexpected log contents %q (%v)", data, err)
	}
}
