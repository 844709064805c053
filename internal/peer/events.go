package peer

import (
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

// Events is what the download engine reports. It is always called
// without engine locks held.
type Events interface {
	OnProgress(fileID, name string, have, total int)
	OnComplete(fileID, name string)
	// OnRetry asks for part to be fetched again; attempt counts failed
	// verifications so far.
	OnRetry(fileID, name string, part, attempt int)
	OnFailed(fileID, name string, err error)
}

// Listener observes a Client. Callbacks run on the client's reader
// goroutine and must not block for long.
type Listener interface {
	Events
	OnFileList(files []protocol.FileDescriptor)
	OnInfo(title, msg string)
	OnError(title, msg string)
}

// NopListener ignores everything. Embed it to implement part of Listener.
type NopListener struct{}

func (NopListener) OnProgress(string, string, int, int) {}
func (NopListener) OnComplete(string, string) {}
func (NopListener) OnRetry(string, string, int, int) {}
func (NopListener) OnFailed(string, string, error) {}
func (NopListener) OnFileList([]protocol.FileDescriptor) {}
func (NopListener) OnInfo(string, string) {}
func (NopListener) OnError(string, string) {}

var _ Listener = NopListener{}
