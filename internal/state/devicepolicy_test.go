package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileDevicePolicyMissingFile(t *testing.T) {
	p := NewFileDevicePolicy(filepath.Join(t.TempDir(), "policy.yaml"), time.Minute)

	enrolled, err := p.IsEnrolled().Value()
	if err != nil || enrolled {
		t.Errorf("IsEnrolled() = %v, %v, want false, nil", enrolled, err)
	}
	if _, err := p.UpdateDisabled().Value(); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("UpdateDisabled() error = %v, want ErrNotAvailable", err)
	}
	if _, err := p.AllowedConnectionTypes().Value(); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("AllowedConnectionTypes() error = %v, want ErrNotAvailable", err)
	}
}

func TestFileDevicePolicyReadsSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `enrolled: true
update_disabled: false
target_version_prefix: "14."
release_channel: stable
allowed_connection_types: [ethernet, cellular]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewFileDevicePolicy(path, time.Minute)

	if enrolled, _ := p.IsEnrolled().Value(); !enrolled {
		t.Error("IsEnrolled() = false, want true")
	}
	if disabled, err := p.UpdateDisabled().Value(); err != nil || disabled {
		t.Errorf("UpdateDisabled() = %v, %v, want false, nil", disabled, err)
	}
	if prefix, _ := p.TargetVersionPrefix().Value(); prefix != "14." {
		t.Errorf("TargetVersionPrefix() = %q, want %q", prefix, "14.")
	}
	if channel, _ := p.ReleaseChannel().Value(); channel != "stable" {
		t.Errorf("ReleaseChannel() = %q, want stable", channel)
	}
	if _, err := p.ReleaseChannelDelegated().Value(); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("ReleaseChannelDelegated() error = %v, want ErrNotAvailable", err)
	}
	types, err := p.AllowedConnectionTypes().Value()
	if err != nil || len(types) != 2 || types[1] != ConnectionCellular {
		t.Errorf("AllowedConnectionTypes() = %v, %v", types, err)
	}

	// Rewriting the file with a different size is picked up.
	if err := os.WriteFile(path, []byte("enrolled: true\nupdate_disabled: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if disabled, _ := p.UpdateDisabled().Value(); !disabled {
		t.Error("UpdateDisabled() after rewrite = false, want true")
	}
}

func TestFileDevicePolicyInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("allowed_connection_types: [satellite]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewFileDevicePolicy(path, time.Minute)

	_, err := p.UpdateDisabled().Value()
	if err == nil || errors.Is(err, ErrNotAvailable) {
		t.Errorf("UpdateDisabled() error = %v, want a parse error", err)
	}
}
