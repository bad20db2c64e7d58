package storage

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"
)

// Supported digest algorithms for integrity strings.
const (
	AlgorithmSHA256 = "sha256"
	AlgorithmSHA512 = "sha512"
)

// ComputeIntegrity hashes content with the given algorithm and returns
// the digest in subresource-integrity form, "<algorithm>-<base64>".
// An empty algorithm selects sha256.
func ComputeIntegrity(content []byte, algorithm string) (string, error) {
	switch algorithm {
	case "", AlgorithmSHA256:
		sum := sha256.Sum256(content)
		return AlgorithmSHA256 + "-" + base64.StdEncoding.EncodeToString(sum[:]), nil
	case AlgorithmSHA512:
		sum := sha512.Sum512(content)
		return AlgorithmSHA512 + "-" + base64.StdEncoding.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
}

// VerifyIntegrity reports whether content matches the integrity digest.
// Malformed digests and unknown algorithms never match.
func VerifyIntegrity(content []byte, integrity string) bool {
	algorithm, _, ok := strings.Cut(integrity, "-")
	if !ok {
		return false
	}
	computed, err := ComputeIntegrity(content, algorithm)
	if err != nil {
		return false
	}
	return computed == integrity
}
