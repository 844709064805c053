package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"
)

// PartsCount is ceil(size / PartSize); an empty file has zero parts.
func PartsCount(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + PartSize - 1) / PartSize)
}

// PartLength returns the byte length of part index of a file of the given
// size, or 0 when the index is out of range.
func PartLength(size int64, index int) int {
	if index < 0 || index >= PartsCount(size) {
		return 0
	}
	offset := PartOffset(index)
	if rest := size - offset; rest < PartSize {
		return int(rest)
	}
	return PartSize
}

func PartOffset(index int) int64 {
	return int64(index) * PartSize
}

// PartKey is the "fileId_partIndex" identifier of a part row.
func PartKey(fileID string, index int) string {
	return fileID + "_" + strconv.Itoa(index)
}

// Digest is the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PartDigests hashes r in PartSize pieces.
func PartDigests(r io.ReaderAt, size int64) (map[int]string, error) {
	count := PartsCount(size)
	digests := make(map[int]string, count)
	buf := make([]byte, PartSize)

	for i := 0; i < count; i++ {
		n := PartLength(size, i)
		if _, err := r.ReadAt(buf[:n], PartOffset(i)); err != nil && err != io.EOF {
			return nil, err
		}
		digests[i] = Digest(buf[:n])
	}
	return digests, nil
}

// AllParts returns [0, count).
func AllParts(count int) []int {
	parts := make([]int, count)
	for i := range parts {
		parts[i] = i
	}
	return parts
}
