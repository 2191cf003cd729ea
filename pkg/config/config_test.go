package config

import (
	"net"
	"testing"
	"time"
)

// boolPtr creates a pointer to a bool value.
func boolPtr(b bool) *bool {
	return &b
}

func TestEffectiveValues_GlobalDefaults(t *testing.T) {
	global := NewGlobalConfig()
	virtual := &Virtual{}

	if got := virtual.EffectiveCheckInterval(&global); got != DefaultCheckInterval {
		t.Errorf("expected default interval, got %v", got)
	}
	if got := virtual.EffectiveCheckTimeout(&global); got != DefaultCheckTimeout {
		t.Errorf("expected default check timeout, got %v", got)
	}
	if got := virtual.EffectiveNegotiateTimeout(&global); got != DefaultNegotiateTimeout {
		t.Errorf("expected default negotiate timeout, got %v", got)
	}
	if got := virtual.EffectiveFailureCount(&global); got != DefaultFailureCount {
		t.Errorf("expected default failurecount, got %d", got)
	}
	if !virtual.EffectiveQuiescent(&global) {
		t.Error("expected quiescent default true")
	}
	if !virtual.EffectiveReaddQuiescent(&global) {
		t.Error("expected readdquiescent default true")
	}
	if !virtual.EffectiveCleanStop(&global) {
		t.Error("expected cleanstop default true")
	}
}

func TestEffectiveValues_VirtualOverrides(t *testing.T) {
	global := NewGlobalConfig()
	virtual := &Virtual{
		CheckInterval:    2 * time.Second,
		CheckTimeout:     time.Second,
		NegotiateTimeout: 7 * time.Second,
		FailureCount:     4,
		Quiescent:        boolPtr(false),
		ReaddQuiescent:   boolPtr(false),
		CleanStop:        boolPtr(false),
	}

	if got := virtual.EffectiveCheckInterval(&global); got != 2*time.Second {
		t.Errorf("expected 2s, got %v", got)
	}
	if got := virtual.EffectiveCheckTimeout(&global); got != time.Second {
		t.Errorf("expected 1s, got %v", got)
	}
	if got := virtual.EffectiveNegotiateTimeout(&global); got != 7*time.Second {
		t.Errorf("expected 7s, got %v", got)
	}
	if got := virtual.EffectiveFailureCount(&global); got != 4 {
		t.Errorf("expected 4, got %d", got)
	}
	if virtual.EffectiveQuiescent(&global) {
		t.Error("expected quiescent override false")
	}
	if virtual.EffectiveReaddQuiescent(&global) {
		t.Error("expected readdquiescent override false")
	}
	if virtual.EffectiveCleanStop(&global) {
		t.Error("expected cleanstop override false")
	}
}

// An explicit true override must be distinguishable from "inherit" when the
// global default is false.
func TestEffectiveValues_ThreeValuedAgainstFalseGlobal(t *testing.T) {
	global := NewGlobalConfig()
	global.Quiescent = false

	inherits := &Virtual{}
	if inherits.EffectiveQuiescent(&global) {
		t.Error("unset override should inherit the false global")
	}

	explicit := &Virtual{Quiescent: boolPtr(true)}
	if !explicit.EffectiveQuiescent(&global) {
		t.Error("explicit true override should win over the false global")
	}
}

func TestCheckPortFor(t *testing.T) {
	real := &Real{IP: net.ParseIP("10.0.1.1"), Port: 8080}

	virtual := &Virtual{}
	if got := virtual.CheckPortFor(real); got != 8080 {
		t.Errorf("expected real port 8080, got %d", got)
	}

	virtual.CheckPort = 9000
	if got := virtual.CheckPortFor(real); got != 9000 {
		t.Errorf("expected checkport 9000, got %d", got)
	}
}

func TestAddress_IPv6(t *testing.T) {
	virtual := &Virtual{IP: net.ParseIP("2001:db8::1"), Port: 80}
	if got := virtual.Address(); got != "[2001:db8::1]:80" {
		t.Errorf("expected bracketed IPv6 address, got %q", got)
	}
}
