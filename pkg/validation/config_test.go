package validation

import (
	"errors"
	"testing"
	"time"
)

func TestConfigValidatorCollectsErrors(t *testing.T) {
	cv := NewConfigValidator("TestConfig").
		Required("Purpose", "").
		Positive("KeySizeBits", 0).
		OneOf("Algorithm", "DES", []string{"AES-256-GCM"})

	if !cv.HasErrors() {
		t.Fatal("expected validation errors")
	}
	if got := len(cv.Errors()); got != 3 {
		t.Errorf("error count = %d, want 3", got)
	}
	if cv.Validate() == nil {
		t.Error("Validate() should return an error")
	}
}

func TestConfigValidatorPasses(t *testing.T) {
	cv := NewConfigValidator("TestConfig").
		Required("Purpose", "graph-data").
		Positive("KeySizeBits", 256).
		OneOf("Algorithm", "AES-256-GCM", []string{"AES-256-GCM"}).
		MinDuration("RotationInterval", 24*time.Hour, time.Hour).
		RequiredBytes("MasterKey", make([]byte, 32), 32)

	if err := cv.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestConfigValidatorWhen(t *testing.T) {
	cv := NewConfigValidator("TestConfig").
		When(false, func(v *ConfigValidator) {
			v.Required("Skipped", "")
		}).
		When(true, func(v *ConfigValidator) {
			v.Required("Applied", "")
		})

	if got := len(cv.Errors()); got != 1 {
		t.Errorf("error count = %d, want 1", got)
	}
}

func TestConfigValidatorCustom(t *testing.T) {
	sentinel := errors.New("custom failure")
	cv := NewConfigValidator("TestConfig").
		Custom("Field", func() error { return sentinel })

	if err := cv.Validate(); !errors.Is(err, sentinel) {
		t.Errorf("Validate() = %v, want wrapped sentinel", err)
	}
}

func TestDefaultOr(t *testing.T) {
	if got := DefaultOr("", "fallback"); got != "fallback" {
		t.Errorf("DefaultOr(empty) = %q, want fallback", got)
	}
	if got := DefaultOr("set", "fallback"); got != "set" {
		t.Errorf("DefaultOr(set) = %q, want set", got)
	}
	if got := DefaultOrDuration(0, time.Minute); got != time.Minute {
		t.Errorf("DefaultOrDuration(0) = %v, want 1m", got)
	}
}
