// Package hash provides a BLAKE3 content hash for assets. Dedup is never
// enforced at write time — this is a diagnostic the maintenance pass can
// use to flag duplicate content across libraries.
package hash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// ChunkSize bounds memory use while hashing large source files.
const ChunkSize = 4 * 1024 * 1024

// FileContentHash computes the BLAKE3 hash of a file's contents, hex-encoded.
func FileContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for hashing: %w", err)
	}
	defer f.Close()

	hasher := blake3.New()
	buf := make([]byte, ChunkSize)
	for {
		n, err := f.Read(buf)
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("read file during hashing: %w", err)
		}
		if n == 0 {
			break
		}
		if _, err := hasher.Write(buf[:n]); err != nil {
			return "", fmt.Errorf("update hash: %w", err)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Matches reports whether a file's content hash equals expectedHex.
func Matches(path, expectedHex string) (bool, error) {
	got, err := FileContentHash(path)
	if err != nil {
		return false, err
	}
	return got == expectedHex, nil
}
