package peer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

// AddLocal copies the file at path into the download directory, hashes
// its parts and records it as servable under a fresh fileId.
func (d *Downloads) AddLocal(ctx context.Context, path string) (protocol.FileDescriptor, error) {
	src, err := os.Open(path)
	if err != nil {
		return protocol.FileDescriptor{}, err
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return protocol.FileDescriptor{}, err
	}
	if info.IsDir() {
		return protocol.FileDescriptor{}, fmt.Errorf("%s is a directory", path)
	}

	desc := protocol.FileDescriptor{
		FileID:     uuid.NewString(),
		Filename:   ExtractFileName(path),
		Size:       info.Size(),
		PartsCount: protocol.PartsCount(info.Size()),
	}
	if desc.Filename == "" {
		return protocol.FileDescriptor{}, fmt.Errorf("no file name in %q", path)
	}
	desc.Parts = protocol.AllParts(desc.PartsCount)

	target := d.path(desc)
	var sum string
	if samePath(path, target) {
		sum, err = HashFile(src)
		if err != nil {
			return protocol.FileDescriptor{}, fmt.Errorf("hashing %s: %w", path, err)
		}
	} else {
		sum, err = copyAndHash(target, src)
		if err != nil {
			return protocol.FileDescriptor{}, fmt.Errorf("copying %s: %w", path, err)
		}
		d.log.Debugf("Copied %s to %s", path, target)
	}

	f, err := os.Open(target)
	if err != nil {
		return protocol.FileDescriptor{}, err
	}
	defer func() { _ = f.Close() }()

	digests, err := protocol.PartDigests(f, desc.Size)
	if err != nil {
		return protocol.FileDescriptor{}, fmt.Errorf("hashing %s: %w", target, err)
	}
	desc.PartDigests = digests

	d.dropShadowed(ctx, desc)
	if err := d.catalog.Put(ctx, desc, sum); err != nil {
		return protocol.FileDescriptor{}, err
	}
	d.addLocal(desc)

	d.log.Infof("Added local file: %s (id: %s, %d parts)", desc.Filename, desc.FileID, desc.PartsCount)
	return desc, nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
