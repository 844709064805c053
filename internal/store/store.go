// Package store provides database access for the tracker's file index and
// the client's local catalogue.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rudransh-shrivastava/peer-relay/internal/db"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

var ErrNotFound = errors.New("not found")

const insertBatchSize = 500

// FilePart is one part row together with the peers that own it.
type FilePart struct {
	ID        string
	FileID    string
	PartIndex int
	Checksum  string
	Peers     []string
}

// IndexStore is the tracker's persistent index of files, parts and
// (part, peer) ownership edges. Every insert ignores conflicts, so
// re-announcing a file is idempotent and the first filename and digests
// recorded for a fileId win.
type IndexStore struct {
	db *gorm.DB
}

func NewIndexStore(gdb *gorm.DB) *IndexStore {
	return &IndexStore{db: gdb}
}

// RegisterPeer records peerID and every file it holds. A descriptor with
// no Parts is taken to hold all of them.
func (s *IndexStore) RegisterPeer(ctx context.Context, peerID string, files []protocol.FileDescriptor) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertPeer(tx, peerID); err != nil {
			return err
		}
		for i := range files {
			if err := addFile(tx, peerID, &files[i], files[i].HeldParts()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registering peer %s: %w", peerID, err)
	}
	return nil
}

// AddFileForPeer records file and an ownership edge for each of its parts.
func (s *IndexStore) AddFileForPeer(ctx context.Context, peerID string, file protocol.FileDescriptor) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertPeer(tx, peerID); err != nil {
			return err
		}
		return addFile(tx, peerID, &file, protocol.AllParts(file.PartsCount))
	})
	if err != nil {
		return fmt.Errorf("adding file %s for peer %s: %w", file.FileID, peerID, err)
	}
	return nil
}

// GetFiles lists every file with at least one ownership edge.
func (s *IndexStore) GetFiles(ctx context.Context) ([]protocol.FileDescriptor, error) {
	return s.listFiles(ctx, nil, false)
}

// GetAvailableFiles lists files held by at least one of the live peers.
// Parts is limited to indices a live peer owns.
func (s *IndexStore) GetAvailableFiles(ctx context.Context, live []string) ([]protocol.FileDescriptor, error) {
	if len(live) == 0 {
		return []protocol.FileDescriptor{}, nil
	}
	return s.listFiles(ctx, live, true)
}

// GetFile returns the descriptor for fileID, or ErrNotFound.
func (s *IndexStore) GetFile(ctx context.Context, fileID string) (*protocol.FileDescriptor, error) {
	var file db.File
	err := s.db.WithContext(ctx).Where("id = ?", fileID).Take(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting file %s: %w", fileID, err)
	}

	parts, err := s.partRows(ctx, []string{fileID}, nil, false)
	if err != nil {
		return nil, err
	}

	desc := descriptorFromFile(file)
	for _, p := range parts {
		desc.PartDigests[p.PartIndex] = p.Checksum
		if p.Holders > 0 {
			desc.Parts = append(desc.Parts, p.PartIndex)
		}
	}
	return &desc, nil
}

// GetFilePartWithPeers returns part partIndex of fileID and its owners.
func (s *IndexStore) GetFilePartWithPeers(ctx context.Context, fileID string, partIndex int) (*FilePart, error) {
	var part db.FilePart
	err := s.db.WithContext(ctx).
		Where("file_id = ? AND part_index = ?", fileID, partIndex).
		Take(&part).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("part %s: %w", protocol.PartKey(fileID, partIndex), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting part %s: %w", protocol.PartKey(fileID, partIndex), err)
	}

	var peers []string
	err = s.db.WithContext(ctx).Model(&db.FilePeer{}).
		Where("file_part_id = ?", part.ID).
		Order("peer_id").
		Pluck("peer_id", &peers).Error
	if err != nil {
		return nil, fmt.Errorf("getting owners of %s: %w", part.ID, err)
	}

	return &FilePart{
		ID:        part.ID,
		FileID:    part.FileID,
		PartIndex: part.PartIndex,
		Checksum:  part.Checksum,
		Peers:     peers,
	}, nil
}

type partRow struct {
	FileID    string
	PartIndex int
	Checksum  string
	Holders   int
}

func (s *IndexStore) listFiles(ctx context.Context, live []string, filter bool) ([]protocol.FileDescriptor, error) {
	q := s.db.WithContext(ctx).Model(&db.File{})
	if filter {
		q = q.Where("EXISTS (SELECT 1 FROM file_holders h WHERE h.file_id = files.id AND h.peer_id IN ?)", live)
	} else {
		q = q.Where("EXISTS (SELECT 1 FROM file_holders h WHERE h.file_id = files.id)")
	}

	var files []db.File
	if err := q.Order("name, id").Find(&files).Error; err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	if len(files) == 0 {
		return []protocol.FileDescriptor{}, nil
	}

	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.ID
	}
	parts, err := s.partRows(ctx, ids, live, filter)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*protocol.FileDescriptor, len(files))
	out := make([]protocol.FileDescriptor, len(files))
	for i, f := range files {
		out[i] = descriptorFromFile(f)
		byID[f.ID] = &out[i]
	}
	for _, p := range parts {
		desc := byID[p.FileID]
		desc.PartDigests[p.PartIndex] = p.Checksum
		if p.Holders > 0 {
			desc.Parts = append(desc.Parts, p.PartIndex)
		}
	}
	return out, nil
}

func (s *IndexStore) partRows(ctx context.Context, fileIDs, live []string, filter bool) ([]partRow, error) {
	join := "LEFT JOIN file_peers e ON e.file_part_id = fp.id"
	args := []any{}
	if filter {
		join += " AND e.peer_id IN ?"
		args = append(args, live)
	}
	args = append(args, fileIDs)

	var rows []partRow
	err := s.db.WithContext(ctx).Raw(
		"SELECT fp.file_id, fp.part_index, fp.checksum, COUNT(e.peer_id) AS holders "+
			"FROM file_parts fp "+join+" "+
			"WHERE fp.file_id IN ? "+
			"GROUP BY fp.id ORDER BY fp.file_id, fp.part_index",
		args...,
	).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
	}
	return rows, nil
}

func descriptorFromFile(f db.File) protocol.FileDescriptor {
	return protocol.FileDescriptor{
		FileID:      f.ID,
		Filename:    f.Name,
		Size:        f.Size,
		PartsCount:  f.PartsCount,
		Parts:       []int{},
		PartDigests: make(map[int]string, f.PartsCount),
	}
}

func upsertPeer(tx *gorm.DB, peerID string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&db.Peer{ID: peerID}).Error
}

func addFile(tx *gorm.DB, peerID string, file *protocol.FileDescriptor, held []int) error {
	ignore := clause.OnConflict{DoNothing: true}

	row := db.File{ID: file.FileID, Name: file.Filename, Size: file.Size, PartsCount: file.PartsCount}
	if err := tx.Clauses(ignore).Create(&row).Error; err != nil {
		return err
	}
	if err := tx.Clauses(ignore).Create(&db.FileHolder{FileID: file.FileID, PeerID: peerID}).Error; err != nil {
		return err
	}
	if file.PartsCount == 0 {
		return nil
	}

	indices := make([]int, 0, len(file.PartDigests))
	for i := range file.PartDigests {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	parts := make([]db.FilePart, 0, len(indices))
	for _, i := range indices {
		parts = append(parts, db.FilePart{
			ID:        protocol.PartKey(file.FileID, i),
			FileID:    file.FileID,
			PartIndex: i,
			Checksum:  file.PartDigests[i],
		})
	}
	if err := tx.Clauses(ignore).CreateInBatches(parts, insertBatchSize).Error; err != nil {
		return err
	}

	edges := make([]db.FilePeer, 0, len(held))
	for _, i := range held {
		edges = append(edges, db.FilePeer{FilePartID: protocol.PartKey(file.FileID, i), PeerID: peerID})
	}
	if len(edges) == 0 {
		return nil
	}
	return tx.Clauses(ignore).CreateInBatches(edges, insertBatchSize).Error
}
