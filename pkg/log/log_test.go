package log

import (
	"bytes"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, name string) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	return ForService(name), buf
}

func TestPrefixAndLevel(t *testing.T) {
	SetGlobalDebug(false)

	l, buf := newTestLogger(t, "broker_prefix_test")
	l.Infof("client %s connected", "abc")
	out := buf.String()

	if !strings.Contains(out, "INFO [broker_prefix_test>]") {
		t.Fatalf("expected level and prefix, got: %q", out)
	}
	if !strings.Contains(out, "client abc connected") {
		t.Fatalf("expected message, got: %q", out)
	}
}

func TestDebugPerService(t *testing.T) {
	SetGlobalDebug(false)

	const name = "syncagent_debug_test"
	DisableDebugFor(name)
	l, buf := newTestLogger(t, name)

	l.Debugf("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug line written while disabled")
	}

	EnableDebugFor(name)
	defer DisableDebugFor(name)
	l.Debugf("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected debug line after enabling, got: %q", buf.String())
	}
}

func TestApplyDebugReplacesServiceSet(t *testing.T) {
	EnableDebugFor("apply_old")
	ApplyDebug(false, []string{"apply_new"})
	defer ApplyDebug(false, nil)

	if DebugEnabledFor("apply_old") {
		t.Errorf("apply_old should be disabled after ApplyDebug")
	}
	if !DebugEnabledFor("apply_new") {
		t.Errorf("apply_new should be enabled after ApplyDebug")
	}
	if GlobalDebug() {
		t.Errorf("global debug should be off")
	}
}

func TestWarnAndError(t *testing.T) {
	l, buf := newTestLogger(t, "warn_error_test")
	l.Warnf("slow consumer %d", 1)
	l.Errorf("write failed")

	out := buf.String()
	if !strings.Contains(out, "WARN [warn_error_test>] slow consumer 1") {
		t.Errorf("missing warn line: %q", out)
	}
	if !strings.Contains(out, "ERROR [warn_error_test>] write failed") {
		t.Errorf("missing error line: %q", out)
	}
}
