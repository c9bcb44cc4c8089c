package gate

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // RFC 6238 TOTP is defined over HMAC-SHA1
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PINVerifier checks an operator PIN against its stored SHA-256 hash, with
// lockout after a configured number of consecutive failures. The failure
// counter can be backed by a state file so lockout spans processes — each
// `warden promote` invocation performs exactly one attempt, so an in-memory
// counter alone would never reach the threshold.
type PINVerifier struct {
	hash         string // hex SHA-256 of the PIN
	lockoutAfter int
	statePath    string

	mu       sync.Mutex
	failures int
}

// NewPINVerifier creates a verifier for the given hex hash.
func NewPINVerifier(hexHash string, lockoutAfter int) *PINVerifier {
	if lockoutAfter <= 0 {
		lockoutAfter = 3
	}
	return &PINVerifier{hash: hexHash, lockoutAfter: lockoutAfter}
}

// UseStateFile backs the failure counter with a file. The persisted count is
// loaded immediately; every subsequent failure is written through and a
// successful verification removes the file.
func (v *PINVerifier) UseStateFile(path string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.statePath = path
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the state dir
	if err != nil {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && n > v.failures {
		v.failures = n
	}
}

// saveFailures writes the counter through to the state file. Best effort: the
// in-memory count applies regardless.
func (v *PINVerifier) saveFailures() {
	if v.statePath == "" {
		return
	}
	_ = os.WriteFile(v.statePath, []byte(strconv.Itoa(v.failures)), 0o600)
}

func (v *PINVerifier) clearFailures() {
	v.failures = 0
	if v.statePath != "" {
		_ = os.Remove(v.statePath)
	}
}

// HashPIN returns the hex SHA-256 of a PIN, for storing in role policy.
func HashPIN(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}

// Verify checks the PIN. After lockoutAfter consecutive failures every
// further attempt is refused, including correct ones.
func (v *PINVerifier) Verify(pin string) (bool, string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failures >= v.lockoutAfter {
		return false, fmt.Sprintf("locked out after %d failed attempts", v.failures)
	}
	if v.hash == "" {
		return false, "no PIN configured for role"
	}

	got := HashPIN(pin)
	if subtle.ConstantTimeCompare([]byte(got), []byte(v.hash)) != 1 {
		v.failures++
		v.saveFailures()
		if v.failures >= v.lockoutAfter {
			return false, fmt.Sprintf("incorrect PIN; locked out after %d failures", v.failures)
		}
		return false, fmt.Sprintf("incorrect PIN (%d of %d attempts used)", v.failures, v.lockoutAfter)
	}
	v.clearFailures()
	return true, "PIN verified"
}

// totpStep is the RFC 6238 time step.
const totpStep = 30

// totpDigits is the code length.
const totpDigits = 6

// totpDrift is how many steps either side of now are accepted.
const totpDrift = 1

// VerifyTOTP checks a 6-digit TOTP code against the base32 shared secret,
// accepting a +-1 step drift window around the current time.
func VerifyTOTP(secret, code string) (bool, string) {
	return verifyTOTPAt(secret, code, time.Now().Unix())
}

func verifyTOTPAt(secret, code string, unixNow int64) (bool, string) {
	key, err := decodeTOTPSecret(secret)
	if err != nil {
		return false, fmt.Sprintf("invalid TOTP secret: %v", err)
	}
	if len(code) != totpDigits {
		return false, fmt.Sprintf("code must be %d digits", totpDigits)
	}

	counter := unixNow / totpStep
	for delta := int64(-totpDrift); delta <= totpDrift; delta++ {
		if hotp(key, uint64(counter+delta)) == code {
			return true, "TOTP verified"
		}
	}
	return false, "incorrect TOTP code"
}

// TOTPCode returns the current code for a secret. Used by tests and by
// `warden init --totp` to let the operator confirm enrollment.
func TOTPCode(secret string, at time.Time) (string, error) {
	key, err := decodeTOTPSecret(secret)
	if err != nil {
		return "", err
	}
	return hotp(key, uint64(at.Unix()/totpStep)), nil
}

func decodeTOTPSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(normalized, "="))
}

// hotp implements RFC 4226 dynamic truncation over HMAC-SHA1.
func hotp(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1000000)
}
