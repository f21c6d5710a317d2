package logging

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogWriterTargetsStderr(t *testing.T) {
	// Command output (tables, JSON, CSV) owns stdout; logs must not
	// interleave with it.
	if w := logWriter(Config{Format: "json"}); w != os.Stderr {
		t.Fatalf("json logs must go to stderr, got %T", w)
	}

	w := logWriter(Config{Format: "console"})
	cw, ok := w.(zerolog.ConsoleWriter)
	if !ok {
		t.Fatalf("console format must yield a ConsoleWriter, got %T", w)
	}
	if cw.Out != os.Stderr {
		t.Fatal("console logs must go to stderr")
	}
}

func TestNewLoggerLevelParsing(t *testing.T) {
	logger := NewLogger(Config{Level: "debug"})
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}

	logger = NewLogger(Config{Level: "not-a-level"})
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("unparseable level must default to info, got %s", logger.GetLevel())
	}
}
