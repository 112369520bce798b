package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newCaptureLogger() (*bytes.Buffer, ServiceLogger) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: LevelTrace})
	return &buf, NewSlogServiceLogger(slog.New(handler))
}

func TestSlogServiceLoggerInfo(t *testing.T) {
	buf, log := newCaptureLogger()

	log.Info("connected", LogFields{"queue": "buskit.worker.inbox"})

	out := buf.String()
	if !strings.Contains(out, "connected") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "buskit.worker.inbox") {
		t.Errorf("expected field value in output, got %q", out)
	}
}

func TestSlogServiceLoggerErrorIncludesErr(t *testing.T) {
	buf, log := newCaptureLogger()

	log.Error("publish failed", errors.New("channel closed"), nil)

	if !strings.Contains(buf.String(), "channel closed") {
		t.Errorf("expected error text in output, got %q", buf.String())
	}
}

func TestSlogServiceLoggerWithCarriesFields(t *testing.T) {
	buf, log := newCaptureLogger()

	scoped := log.With(LogFields{"service": "worker-a"})
	scoped.Debug("declaring queue", nil)

	if !strings.Contains(buf.String(), "worker-a") {
		t.Errorf("expected With field in output, got %q", buf.String())
	}
}

func TestSlogServiceLoggerTraceLevel(t *testing.T) {
	buf, log := newCaptureLogger()

	log.Trace("delivery received", LogFields{"message_id": "abc"})

	if !strings.Contains(buf.String(), "delivery received") {
		t.Errorf("expected trace output, got %q", buf.String())
	}
}

func TestNewSlogServiceLoggerPanicsOnNil(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil logger")
		}
	}()
	NewSlogServiceLogger(nil)
}

func TestNopLoggerDoesNothing(t *testing.T) {
	log := Nop()
	log.Info("ignored", nil)
	log.Error("ignored", errors.New("x"), nil)
	if log.With(LogFields{"a": 1}) == nil {
		t.Fatal("With should return a usable logger")
	}
}
