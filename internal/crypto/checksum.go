package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Checksum streams a file through SHA-256 and returns the hex digest.
// Memory use is constant regardless of file size.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for checksum: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum recomputes the checksum of a stored artifact and
// compares it against the expected digest.
func VerifyChecksum(path, expected string) (bool, error) {
	actual, err := Checksum(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}
