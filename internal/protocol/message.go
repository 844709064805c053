package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidMessage = errors.New("invalid message")

// Message is the envelope carried by every frame.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewMessage(t MessageType, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return &Message{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}

// FileDescriptor describes a shared file. Parts lists the part indices
// currently held by at least one live peer.
type FileDescriptor struct {
	FileID      string         `json:"fileId"`
	Filename    string         `json:"filename"`
	Size        int64          `json:"size"`
	PartsCount  int            `json:"partsCount"`
	Parts       []int          `json:"parts"`
	PartDigests map[int]string `json:"partDigests"`
}

// Validate checks the shape invariants every stored descriptor must hold.
func (d *FileDescriptor) Validate() error {
	if d.FileID == "" {
		return fmt.Errorf("%w: empty fileId", ErrInvalidMessage)
	}
	if d.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidMessage, d.Size)
	}
	if want := PartsCount(d.Size); d.PartsCount != want {
		return fmt.Errorf("%w: file %s has partsCount %d, want %d", ErrInvalidMessage, d.FileID, d.PartsCount, want)
	}
	if len(d.PartDigests) != d.PartsCount {
		return fmt.Errorf("%w: file %s has %d digests for %d parts", ErrInvalidMessage, d.FileID, len(d.PartDigests), d.PartsCount)
	}
	for i, digest := range d.PartDigests {
		if i < 0 || i >= d.PartsCount {
			return fmt.Errorf("%w: file %s digest index %d out of range", ErrInvalidMessage, d.FileID, i)
		}
		if len(digest) != 64 {
			return fmt.Errorf("%w: file %s part %d digest malformed", ErrInvalidMessage, d.FileID, i)
		}
	}
	for _, i := range d.Parts {
		if i < 0 || i >= d.PartsCount {
			return fmt.Errorf("%w: file %s part %d out of range", ErrInvalidMessage, d.FileID, i)
		}
	}
	return nil
}

// HeldParts returns Parts, or every index when Parts is empty.
func (d *FileDescriptor) HeldParts() []int {
	if len(d.Parts) == 0 {
		return AllParts(d.PartsCount)
	}
	parts := append([]int(nil), d.Parts...)
	sort.Ints(parts)
	return parts
}

type Register struct {
	Files []FileDescriptor `json:"files"`
}

// AddFile announces a file the sender holds in full. Parts maps part index
// to digest.
type AddFile struct {
	FileID     string         `json:"fileId"`
	Size       int64          `json:"size"`
	PartsCount int            `json:"partsCount"`
	Parts      map[int]string `json:"parts"`
	Filename   string         `json:"filename"`
}

func (a *AddFile) Descriptor() FileDescriptor {
	return FileDescriptor{
		FileID:      a.FileID,
		Filename:    a.Filename,
		Size:        a.Size,
		PartsCount:  a.PartsCount,
		Parts:       AllParts(a.PartsCount),
		PartDigests: a.Parts,
	}
}

func NewAddFile(d FileDescriptor) AddFile {
	return AddFile{
		FileID:     d.FileID,
		Size:       d.Size,
		PartsCount: d.PartsCount,
		Parts:      d.PartDigests,
		Filename:   d.Filename,
	}
}

type FileList struct {
	Files []FileDescriptor `json:"files"`
}

// RequestFile asks for parts of a file. A nil PartsNeeded means the field
// was absent; an empty one means every part.
type RequestFile struct {
	FileID      string `json:"fileId"`
	PartsNeeded []int  `json:"partsNeeded"`
	RequestID   string `json:"requestId"`
}

func (r *RequestFile) Validate() error {
	if r.FileID == "" {
		return fmt.Errorf("%w: REQUEST_FILE without fileId", ErrInvalidMessage)
	}
	for _, i := range r.PartsNeeded {
		if i < 0 {
			return fmt.Errorf("%w: negative part index %d", ErrInvalidMessage, i)
		}
	}
	return nil
}

// ChunkHeader precedes exactly Length raw bytes on the stream.
type ChunkHeader struct {
	FileID    string `json:"fileId"`
	PartIndex int    `json:"partIndex"`
	Length    int    `json:"length"`
	RequestID string `json:"requestId,omitempty"`
}

// Error carries an optional FileID so a requester can tie a failure to
// the transfer that caused it.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	FileID  string    `json:"fileId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, e.Code, e.Message)
}
