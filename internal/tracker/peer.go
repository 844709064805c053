package tracker

import (
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

// Peer is a connected client as the registry, relay and broadcaster see
// it. *Session is the only production implementation.
type Peer interface {
	ID() string
	SendMessage(msg *protocol.Message) error
	SendChunk(h protocol.ChunkHeader, data []byte) error
	SendError(code protocol.ErrorCode, message, fileID string) error
	// SendChunkRequest registers a pending slot for req.RequestID and then
	// sends req. The returned Future completes when the matching
	// SEND_CHUNK arrives or the peer goes away.
	SendChunkRequest(req protocol.RequestFile) (*Future, error)
	// Stop makes the peer's read loop exit.
	Stop()
}
