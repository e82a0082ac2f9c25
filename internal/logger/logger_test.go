package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("hello", "key", "value")

	output := buf.String()
	if !strings.Contains(output, `"msg":"hello"`) {
		t.Fatalf("expected msg in output, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Fatalf("expected key=value in JSON output, got: %s", output)
	}
	if !strings.Contains(output, `"level":"INFO"`) {
		t.Fatalf("expected level INFO in output, got: %s", output)
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	log.Debug("also should not appear")

	if buf.Len() > 0 {
		t.Fatalf("expected no output for info/debug at warn level, got: %s", buf.String())
	}

	log.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		want   string
	}{
		{"json", `"dispatch":12`},
		{"text", "dispatch=12"},
		{"pretty", "dispatch=12"},
		{"", "dispatch=12"},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		log, err := Build(&buf, tc.format, "debug")
		if err != nil {
			t.Fatalf("Build(%q): %v", tc.format, err)
		}
		log.Debug("mul", "dispatch", 12)
		if !strings.Contains(buf.String(), tc.want) {
			t.Fatalf("Build(%q): expected %q in output, got: %s", tc.format, tc.want, buf.String())
		}
	}

	if _, err := Build(&bytes.Buffer{}, "xml", "info"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	if log.Enabled(slog.LevelError) {
		t.Fatal("discard logger should not enable error level")
	}
	log.Error("dropped")
}

func TestEnabled(t *testing.T) {
	t.Parallel()
	log := Text(&bytes.Buffer{}, slog.LevelWarn)
	if log.Enabled(slog.LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !log.Enabled(slog.LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestPretty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo)
	log.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Fatalf("expected 'test message' in output, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Fatalf("expected 'key=value' in output, got: %s", output)
	}
}

func TestWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.With("component", "engine").Info("child message")

	output := buf.String()
	if !strings.Contains(output, `"component":"engine"`) {
		t.Fatalf("expected component=engine in output, got: %s", output)
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)

	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("roundtrip test")
	if !strings.Contains(buf.String(), "roundtrip test") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}

	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext with no logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{" warning ", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tc.input, tc.expected, got)
		}
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("expected warn to be enabled at warn level")
	}
}

func TestPrettyHandlerAttrsAndGroups(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		h    func(*PrettyHandler) slog.Handler
		want string
	}{
		{"attrs", func(h *PrettyHandler) slog.Handler {
			return h.WithAttrs([]slog.Attr{slog.String("backend", "cpu")})
		}, "backend=cpu"},
		{"group", func(h *PrettyHandler) slog.Handler {
			return h.WithGroup("engine")
		}, "engine.key=val"},
		{"nested", func(h *PrettyHandler) slog.Handler {
			return h.WithGroup("a").WithGroup("b")
		}, "a.b.key=val"},
		{"group attrs", func(h *PrettyHandler) slog.Handler {
			return h.WithGroup("engine").WithAttrs([]slog.Attr{slog.Int("workers", 4)})
		}, "engine.workers=4"},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		slog.New(tc.h(NewPrettyHandler(&buf, nil))).Info("msg", "key", "val")
		if !strings.Contains(buf.String(), tc.want) {
			t.Fatalf("%s: expected %q in output, got: %s", tc.name, tc.want, buf.String())
		}
	}
}

func TestPrettyHandlerEmptyGroup(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, nil)
	if h.WithGroup("") != slog.Handler(h) {
		t.Fatal("WithGroup empty string should return same handler")
	}
}

func TestPrettyQuoting(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, nil))
	logger.Info("test", "msg", "hello world", "key", "simple")

	output := buf.String()
	if !strings.Contains(output, `msg="hello world"`) {
		t.Fatalf("expected quoted string with spaces, got: %s", output)
	}
	if !strings.Contains(output, "key=simple") || strings.Contains(output, `key="simple"`) {
		t.Fatalf("expected unquoted simple string, got: %s", output)
	}
}
