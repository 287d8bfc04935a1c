// Package hashutil computes the content digests used for every integrity check.
//
// There are two hash domains. The text domain hashes the canonical UTF-8 form of a
// text payload (bundles and patches after any decompression). The binary domain hashes
// raw bytes (gzip streams as they come off the wire). A digest from one domain is never
// compared against the other.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// Prefix is prepended to every hex digest
const Prefix = "sha256:"

// Domain selects how a payload is canonicalised before hashing
type Domain int

const (
	DomainText Domain = iota
	DomainBinary
)

func (d Domain) String() string {
	switch d {
	case DomainText:
		return "text"
	case DomainBinary:
		return "binary"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// Stage names the pipeline step a verification belongs to
type Stage string

const (
	StageSource     Stage = "source"
	StagePatch      Stage = "patch"
	StageTarget     Stage = "target"
	StageFullBundle Stage = "full_bundle"
)

// ErrHashMismatch is matched by every *MismatchError
var ErrHashMismatch = errors.New("hash mismatch")

// MismatchError reports a failed verification
type MismatchError struct {
	Stage    Stage
	Domain   Domain
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s hash mismatch (%s domain): expected %s, got %s", e.Stage, e.Domain, e.Expected, e.Actual)
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrHashMismatch
}

// Canonical returns the UTF-8 form of a text payload. Invalid sequences are replaced
// with U+FFFD, the same thing a decode/encode round trip does.
func Canonical(content []byte) []byte {
	if utf8.Valid(content) {
		return content
	}
	return []byte(strings.ToValidUTF8(string(content), "\uFFFD"))
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return Prefix + hex.EncodeToString(sum[:])
}

// Text hashes content in the text domain
func Text(content []byte) string {
	return digest(Canonical(content))
}

// String is Text for string content
func String(content string) string {
	return Text([]byte(content))
}

// Binary hashes raw bytes in the binary domain
func Binary(payload []byte) string {
	return digest(payload)
}

// Sum hashes data in the given domain
func Sum(domain Domain, data []byte) string {
	if domain == DomainBinary {
		return Binary(data)
	}
	return Text(data)
}

// File hashes a file in the given domain
func File(domain Domain, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Sum(domain, data), nil
}

// Verify hashes data in the given domain and compares it with expected
func Verify(stage Stage, domain Domain, data []byte, expected string) error {
	actual := Sum(domain, data)
	if actual != expected {
		return &MismatchError{Stage: stage, Domain: domain, Expected: expected, Actual: actual}
	}
	return nil
}

// VerifyFile is Verify over the contents of a file
func VerifyFile(stage Stage, domain Domain, path, expected string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s for %s verification: %w", path, stage, err)
	}
	return Verify(stage, domain, data, expected)
}
