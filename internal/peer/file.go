package peer

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

func HashFile(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// ExtractFileName keeps only the last element of name, so a descriptor
// can never place a file outside the download directory.
func ExtractFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

// BuildDownloadPath is where a file named name lives under dir. fileID
// stands in for names that reduce to nothing.
func BuildDownloadPath(dir, name, fileID string) string {
	base := ExtractFileName(name)
	if base == "" {
		base = fileID
	}
	return filepath.Join(dir, base)
}

// ReadChunkData reads part index of a file of the given size.
func ReadChunkData(r io.ReaderAt, size int64, index int) ([]byte, error) {
	n := protocol.PartLength(size, index)
	if n == 0 {
		return nil, fmt.Errorf("part %d out of range for %d bytes", index, size)
	}
	data := make([]byte, n)
	if _, err := r.ReadAt(data, protocol.PartOffset(index)); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}

// writeAtomic writes the parts, in order, to a temporary file in dir and
// renames it over path.
func writeAtomic(path string, parts [][]byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	for _, p := range parts {
		if _, err := tmp.Write(p); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// copyAndHash copies src to dst through a temporary file and returns the
// SHA-256 of what was copied.
func copyAndHash(dst string, src io.Reader) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	sum, err := HashFile(io.TeeReader(src, tmp))
	if err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	return sum, os.Rename(tmp.Name(), dst)
}
