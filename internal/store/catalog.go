package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rudransh-shrivastava/peer-relay/internal/db"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

// LocalEntry is a catalogued file and the SHA-256 of its content.
type LocalEntry struct {
	protocol.FileDescriptor
	Checksum string
}

// CatalogStore persists the files a client holds in full so they can be
// re-announced after a restart.
type CatalogStore struct {
	db *gorm.DB
}

func NewCatalogStore(gdb *gorm.DB) *CatalogStore {
	return &CatalogStore{db: gdb}
}

// Put records d, replacing any row with the same fileId. checksum is the
// SHA-256 of the whole file.
func (s *CatalogStore) Put(ctx context.Context, d protocol.FileDescriptor, checksum string) error {
	row := db.LocalFile{
		FileID:     d.FileID,
		Filename:   d.Filename,
		Size:       d.Size,
		PartsCount: d.PartsCount,
		Digests:    d.PartDigests,
		Checksum:   checksum,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("saving %s: %w", d.FileID, err)
	}
	return nil
}

func (s *CatalogStore) Get(ctx context.Context, fileID string) (*LocalEntry, error) {
	var row db.LocalFile
	err := s.db.WithContext(ctx).Where("file_id = ?", fileID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("local file %s: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", fileID, err)
	}
	e := entryFromLocal(row)
	return &e, nil
}

func (s *CatalogStore) List(ctx context.Context) ([]LocalEntry, error) {
	var rows []db.LocalFile
	if err := s.db.WithContext(ctx).Order("added_at, file_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing catalogue: %w", err)
	}

	out := make([]LocalEntry, len(rows))
	for i, row := range rows {
		out[i] = entryFromLocal(row)
	}
	return out, nil
}

func (s *CatalogStore) Delete(ctx context.Context, fileID string) error {
	if err := s.db.WithContext(ctx).Delete(&db.LocalFile{}, "file_id = ?", fileID).Error; err != nil {
		return fmt.Errorf("deleting %s: %w", fileID, err)
	}
	return nil
}

func (s *CatalogStore) Close() error {
	return db.Close(s.db)
}

func entryFromLocal(row db.LocalFile) LocalEntry {
	digests := row.Digests
	if digests == nil {
		digests = map[int]string{}
	}
	return LocalEntry{
		FileDescriptor: protocol.FileDescriptor{
			FileID:      row.FileID,
			Filename:    row.Filename,
			Size:        row.Size,
			PartsCount:  row.PartsCount,
			Parts:       protocol.AllParts(row.PartsCount),
			PartDigests: digests,
		},
		Checksum: row.Checksum,
	}
}
