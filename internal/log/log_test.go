package log

import "testing"

func TestNewLoggerDoesNotPanic(t *testing.T) {
	l := New(&LoggerConfig{Level: "debug"})
	l.Info("hello")
	l.WithField("k", "v").Warn("with field")
	l.WithError(nil).Error("with error")
}

func TestNewLoggerDefaultsOnEmptyConfig(t *testing.T) {
	l := New(nil)
	if l == nil {
		t.Fatal("expected a non-nil logger from a nil config")
	}
	l.Debug("debug message")
}

func TestNopLoggerDiscardsEverything(t *testing.T) {
	l := Nop()
	l.Info("should not panic")
	if l.IsDebugEnabled() {
		t.Fatal("nop logger should report all levels disabled")
	}
	if l.WithField("a", 1) == nil {
		t.Fatal("WithField on nop logger must return a usable logger")
	}
}
