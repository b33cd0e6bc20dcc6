// Package secretcodec generates and encodes the high-entropy secrets used by
// account security: TOTP seed material, one-time backup codes, and the
// deterministic digests for security-question answers. Everything here is a
// pure function over crypto/rand; no state, no persistence.
package secretcodec

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
)

// backupAlphabet is a 32-symbol alphabet with easily-confused glyphs removed
// (no I, O, 0, 1). Codes survive being read aloud or retyped from paper.
const backupAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// BackupCodeLength is the number of symbols per backup code, rendered as
// XXXX-XXXX.
const BackupCodeLength = 8

var b32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// SecretBytes returns n bytes of cryptographically random secret material.
func SecretBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Base32Secret returns a random secret of n bytes encoded in unpadded
// standard base32, the encoding authenticator apps expect for manual entry.
func Base32Secret(n int) (string, error) {
	b, err := SecretBytes(n)
	if err != nil {
		return "", err
	}
	return b32NoPad.EncodeToString(b), nil
}

// BackupCode draws one code from the unambiguous alphabet, formatted as
// XXXX-XXXX.
func BackupCode() (string, error) {
	b := make([]byte, BackupCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	symbols := make([]byte, BackupCodeLength)
	for i, v := range b {
		symbols[i] = backupAlphabet[int(v)%len(backupAlphabet)]
	}
	return fmt.Sprintf("%s-%s", symbols[:4], symbols[4:]), nil
}

// NormalizeBackupCode strips the display formatting (hyphens, spaces) and
// upper-cases so redemption is tolerant of how the user typed the code.
func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

// NormalizeAnswer canonicalizes a security-question answer before hashing:
// trimmed and lower-cased, so "Rex" and " rex " digest identically.
func NormalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

// HashAnswer returns the hex SHA-256 digest of the normalized answer.
// Deterministic by construction; verification is a string compare against the
// stored digest, never a plaintext lookup.
func HashAnswer(answer string) string {
	sum := sha256.Sum256([]byte(NormalizeAnswer(answer)))
	return hex.EncodeToString(sum[:])
}
