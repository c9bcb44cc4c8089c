package audit

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
)

// machineIDPaths are tried in order for a stable local-machine identity.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// deriveKey derives the HMAC key from stable machine identity plus the log's
// storage path. The key is never written to disk: verification on the origin
// machine needs no key file, and a log copied elsewhere cannot be verified.
func deriveKey(storagePath string) []byte {
	id := machineID()
	abs, err := filepath.Abs(storagePath)
	if err != nil {
		abs = storagePath
	}
	sum := sha256.Sum256([]byte("warden-audit-v1|" + id + "|" + abs))
	return sum[:]
}

// machineID returns the OS machine id, falling back to the hostname when no
// machine-id file is readable.
func machineID() string {
	for _, p := range machineIDPaths {
		data, err := os.ReadFile(p) //nolint:gosec // fixed system paths
		if err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown-machine"
	}
	return host
}
