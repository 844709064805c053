package db

import "time"

// Peer, File, FilePart, FilePeer and FileHolder map the tracker index tables created
// by migration.sql.
type Peer struct {
	ID string `gorm:"primaryKey"`
}

type File struct {
	ID         string `gorm:"primaryKey"`
	Name       string
	Size       int64
	PartsCount int
}

type FilePart struct {
	ID        string `gorm:"primaryKey"`
	FileID    string
	PartIndex int
	Checksum  string
}

type FilePeer struct {
	FilePartID string `gorm:"primaryKey"`
	PeerID     string `gorm:"primaryKey"`
}

// FileHolder records that a peer announced a file, which keeps files
// with zero parts listable.
type FileHolder struct {
	FileID string `gorm:"primaryKey"`
	PeerID string `gorm:"primaryKey"`
}

// LocalFile is a catalogue row on the client: a complete file held in
// the download directory. It is migrated with AutoMigrate.
type LocalFile struct {
	FileID     string         `gorm:"primaryKey"`
	Filename   string         `gorm:"not null"`
	Size       int64          `gorm:"not null"`
	PartsCount int            `gorm:"not null"`
	Digests    map[int]string `gorm:"serializer:json"`
	Checksum   string         `gorm:"not null;default:''"`
	AddedAt    time.Time      `gorm:"autoCreateTime"`
}
