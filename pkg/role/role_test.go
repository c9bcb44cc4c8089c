package role //nolint:testpackage // internal test needs access to unexported helpers

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_RoundTrip(t *testing.T) {
	r := Default()
	r.Name = "reviewer"
	r.AllowedActions = []string{"edit_code", "run_tests"}
	r.Auth.PINHash = strings.Repeat("ab", 32)

	path := filepath.Join(t.TempDir(), "role.toml")
	if err := r.Save(path); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "reviewer" {
		t.Fatalf("name = %q", got.Name)
	}
	if len(got.AllowedActions) != 2 {
		t.Fatalf("allowed actions = %v", got.AllowedActions)
	}
	if got.Auth.Method != AuthPIN || got.Auth.PINHash != r.Auth.PINHash {
		t.Fatalf("auth = %+v", got.Auth)
	}
	if got.Loop.FailureStreakLimit != 5 {
		t.Fatalf("failure streak limit = %d, want default 5", got.Loop.FailureStreakLimit)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Role)
		wantErr bool
	}{
		{"default_with_pin", func(r *Role) { r.Auth.PINHash = "aa" }, false},
		{"missing_name", func(r *Role) { r.Name = ""; r.Auth.PINHash = "aa" }, true},
		{"pin_without_hash", func(r *Role) {}, true},
		{"pin_without_hash_waived", func(r *Role) { r.ReviewWaived = true }, false},
		{"totp_without_secret", func(r *Role) { r.Auth.Method = AuthTOTP }, true},
		{"totp_with_secret", func(r *Role) {
			r.Auth.Method = AuthTOTP
			r.Auth.TOTPSecret = "JBSWY3DPEHPK3PXP"
		}, false},
		{"unknown_method", func(r *Role) { r.Auth.Method = "retina_scan" }, true},
		{"bad_confidence_floor", func(r *Role) {
			r.Auth.PINHash = "aa"
			r.Loop.ConfidenceFloor = 1.5
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Default()
			tt.mutate(r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_BackfillsDefaults(t *testing.T) {
	r := Default()
	r.Auth.PINHash = "aa"
	r.Auth.LockoutAfter = 0
	r.Loop.FailureStreakLimit = 0
	if err := r.Validate(); err != nil {
		t.Fatal(err)
	}
	if r.Auth.LockoutAfter != 3 || r.Loop.FailureStreakLimit != 5 {
		t.Fatalf("defaults not backfilled: %+v %+v", r.Auth, r.Loop)
	}
}
