package install

import (
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// FileChecksum returns the hex BLAKE3 digest of the file at path.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Checksum returns the hex BLAKE3 digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func checksumEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "blake3:"), strings.TrimPrefix(b, "blake3:"))
}
