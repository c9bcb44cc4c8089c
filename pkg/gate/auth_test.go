package gate //nolint:testpackage // internal test needs access to unexported helpers

import (
	"encoding/base32"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// rfcSecret is the RFC 6238 reference secret "12345678901234567890".
var rfcSecret = base32.StdEncoding.EncodeToString([]byte("12345678901234567890"))

func TestPINVerifier_CorrectPIN(t *testing.T) {
	v := NewPINVerifier(HashPIN("4812"), 3)
	ok, detail := v.Verify("4812")
	if !ok {
		t.Fatalf("correct PIN rejected: %s", detail)
	}
}

func TestPINVerifier_LockoutAfterFailures(t *testing.T) {
	v := NewPINVerifier(HashPIN("4812"), 3)

	for i := 0; i < 3; i++ {
		if ok, _ := v.Verify("0000"); ok {
			t.Fatal("wrong PIN accepted")
		}
	}

	// Locked out: even the correct PIN is now refused.
	ok, detail := v.Verify("4812")
	if ok {
		t.Fatal("correct PIN accepted after lockout")
	}
	if detail == "" {
		t.Fatal("lockout must carry a reason")
	}
}

func TestPINVerifier_SuccessResetsFailures(t *testing.T) {
	v := NewPINVerifier(HashPIN("4812"), 3)

	if ok, _ := v.Verify("9999"); ok {
		t.Fatal("wrong PIN accepted")
	}
	if ok, _ := v.Verify("4812"); !ok {
		t.Fatal("correct PIN rejected before lockout")
	}

	// The earlier failure no longer counts toward lockout.
	for i := 0; i < 2; i++ {
		if ok, _ := v.Verify("0000"); ok {
			t.Fatal("wrong PIN accepted")
		}
	}
	if ok, _ := v.Verify("4812"); !ok {
		t.Fatal("failure counter was not reset by the earlier success")
	}
}

func TestPINVerifier_LockoutSpansVerifiers(t *testing.T) {
	state := filepath.Join(t.TempDir(), "pin_failures")
	hash := HashPIN("4812")

	// One verifier per attempt, the way a per-process caller behaves.
	for i := 0; i < 3; i++ {
		v := NewPINVerifier(hash, 3)
		v.UseStateFile(state)
		if ok, _ := v.Verify("0000"); ok {
			t.Fatal("wrong PIN accepted")
		}
	}

	v := NewPINVerifier(hash, 3)
	v.UseStateFile(state)
	ok, detail := v.Verify("4812")
	if ok {
		t.Fatal("correct PIN accepted after persisted lockout")
	}
	if !strings.Contains(detail, "locked out") {
		t.Fatalf("detail = %q, want lockout reason", detail)
	}
}

func TestPINVerifier_SuccessClearsStateFile(t *testing.T) {
	state := filepath.Join(t.TempDir(), "pin_failures")
	hash := HashPIN("4812")

	v := NewPINVerifier(hash, 3)
	v.UseStateFile(state)
	if ok, _ := v.Verify("0000"); ok {
		t.Fatal("wrong PIN accepted")
	}
	if _, err := os.Stat(state); err != nil {
		t.Fatalf("failure not written through: %v", err)
	}

	v2 := NewPINVerifier(hash, 3)
	v2.UseStateFile(state)
	if ok, _ := v2.Verify("4812"); !ok {
		t.Fatal("correct PIN rejected before lockout")
	}
	if _, err := os.Stat(state); !os.IsNotExist(err) {
		t.Fatal("state file survived a successful verification")
	}
}

func TestPINVerifier_NoHashConfigured(t *testing.T) {
	v := NewPINVerifier("", 3)
	if ok, _ := v.Verify("anything"); ok {
		t.Fatal("verifier without a hash must refuse")
	}
}

func TestVerifyTOTP_RFCVector(t *testing.T) {
	// RFC 6238 appendix B: T=59s -> counter 1 -> code 94287082 (last 6: 287082).
	ok, detail := verifyTOTPAt(rfcSecret, "287082", 59)
	if !ok {
		t.Fatalf("RFC vector rejected: %s", detail)
	}
}

func TestVerifyTOTP_DriftWindow(t *testing.T) {
	secret := "JBSWY3DPEHPK3PXP"
	now := time.Date(2026, 8, 1, 12, 0, 15, 0, time.UTC)

	code, err := TOTPCode(secret, now)
	if err != nil {
		t.Fatal(err)
	}

	// The code is valid in its own step and one step either side.
	for _, offset := range []time.Duration{0, -30 * time.Second, 30 * time.Second} {
		if ok, _ := verifyTOTPAt(secret, code, now.Add(offset).Unix()); !ok {
			t.Fatalf("code rejected at offset %v", offset)
		}
	}

	// Two steps away falls outside the drift window.
	if ok, _ := verifyTOTPAt(secret, code, now.Add(90*time.Second).Unix()); ok {
		t.Fatal("code accepted outside drift window")
	}
}

func TestVerifyTOTP_RejectsMalformed(t *testing.T) {
	if ok, _ := verifyTOTPAt(rfcSecret, "12345", 59); ok {
		t.Fatal("5-digit code accepted")
	}
	if ok, _ := verifyTOTPAt("not base32 !!!", "123456", 59); ok {
		t.Fatal("invalid secret accepted")
	}
}
