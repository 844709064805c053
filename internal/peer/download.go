package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/store"
)

// MaxAttempts is how many failed verifications a part may have before
// its file is given up.
const MaxAttempts = 3

var (
	ErrUnknownFile       = errors.New("unknown file")
	ErrAlreadyDownloaded = errors.New("file already downloaded")
	ErrPartCorrupt       = errors.New("part failed verification")
)

type State int

const (
	StateDownloading State = iota
	StateAssembling
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDownloading:
		return "downloading"
	case StateAssembling:
		return "assembling"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Catalog persists the files held in full.
type Catalog interface {
	Put(ctx context.Context, d protocol.FileDescriptor, checksum string) error
	List(ctx context.Context) ([]store.LocalEntry, error)
	Delete(ctx context.Context, fileID string) error
}

type download struct {
	desc     protocol.FileDescriptor
	have     map[int][]byte
	attempts map[int]int
	state    State
	err      error
}

func (d *download) needed() []int {
	out := make([]int, 0, d.desc.PartsCount-len(d.have))
	for i := 0; i < d.desc.PartsCount; i++ {
		if _, ok := d.have[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// Downloads holds the part tables of in-flight downloads and the set of
// files this peer can serve. Received parts stay in memory until the file
// is verified and written.
type Downloads struct {
	dir     string
	catalog Catalog
	events  Events
	log     logrus.FieldLogger

	mu     sync.Mutex
	active map[string]*download
	local  map[string]protocol.FileDescriptor
}

// NewDownloads creates dir and loads the catalogue. Catalogue entries
// whose file is gone from dir or whose content changed are skipped.
func NewDownloads(ctx context.Context, dir string, catalog Catalog, events Events, log logrus.FieldLogger) (*Downloads, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}

	d := &Downloads{
		dir:     dir,
		catalog: catalog,
		events:  events,
		log:     log,
		active:  make(map[string]*download),
		local:   make(map[string]protocol.FileDescriptor),
	}

	files, err := catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		path := d.path(f.FileDescriptor)
		if !matchesFile(path, f) {
			log.Warnf("Catalogue entry %s (%s) no longer matches %s, skipping", f.FileID, f.Filename, path)
			continue
		}
		d.local[f.FileID] = f.FileDescriptor
	}
	log.Debugf("Loaded %d local file(s) from catalogue", len(d.local))
	return d, nil
}

// matchesFile reports whether path still holds the catalogued content.
// Entries without a checksum are checked by size only.
func matchesFile(path string, e store.LocalEntry) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.Size() != e.Size {
		return false
	}
	if e.Checksum == "" {
		return true
	}
	sum, err := HashFile(f)
	return err == nil && sum == e.Checksum
}

func (d *Downloads) Dir() string { return d.dir }

// Start begins downloading desc. It is a no-op while a download of the
// same file is in progress, and starts over after a failure. It reports
// whether a new download was started.
func (d *Downloads) Start(desc protocol.FileDescriptor) (bool, error) {
	if err := desc.Validate(); err != nil {
		return false, err
	}

	d.mu.Lock()
	if _, ok := d.local[desc.FileID]; ok {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrAlreadyDownloaded, desc.Filename)
	}
	if dl, ok := d.active[desc.FileID]; ok && dl.state != StateFailed {
		d.mu.Unlock()
		d.log.Debugf("Download of %s already active", desc.Filename)
		return false, nil
	}

	dl := &download{
		desc:     desc,
		have:     make(map[int][]byte, desc.PartsCount),
		attempts: make(map[int]int),
		state:    StateDownloading,
	}
	d.active[desc.FileID] = dl
	empty := desc.PartsCount == 0
	if empty {
		dl.state = StateAssembling
	}
	d.mu.Unlock()

	d.log.Infof("Started download: %s (%d bytes, %d parts)", desc.Filename, desc.Size, desc.PartsCount)
	if empty {
		d.assemble(dl)
	}
	return true, nil
}

// AcceptChunk stores one received part. Chunks for files that are not
// downloading are dropped. When every part is present the file is
// verified, and either written out or the bad parts are retried.
func (d *Downloads) AcceptChunk(fileID string, index int, data []byte) {
	d.mu.Lock()
	dl, ok := d.active[fileID]
	if !ok || dl.state != StateDownloading {
		d.mu.Unlock()
		d.log.Debugf("Dropping chunk %s: no active download", protocol.PartKey(fileID, index))
		return
	}
	if index < 0 || index >= dl.desc.PartsCount {
		d.mu.Unlock()
		d.log.Warnf("Dropping chunk %s: out of range", protocol.PartKey(fileID, index))
		return
	}

	dl.have[index] = data
	have, total := len(dl.have), dl.desc.PartsCount
	name := dl.desc.Filename

	var notify []func()
	var ready bool
	if have == total {
		notify, ready = d.verify(dl)
	}
	d.mu.Unlock()

	d.log.Debugf("Saved chunk %d/%d for %s", index, total, name)
	d.events.OnProgress(fileID, name, have, total)
	for _, fn := range notify {
		fn()
	}
	if ready {
		d.assemble(dl)
	}
}

// verify checks every part against its digest. Bad parts are dropped
// and retried until one of them runs out of attempts, which fails the
// whole file. It must be called with d.mu held; the returned events are
// fired after unlocking.
func (d *Downloads) verify(dl *download) ([]func(), bool) {
	desc := dl.desc
	var retries []func()
	var fatal error

	for i := 0; i < desc.PartsCount; i++ {
		data, ok := dl.have[i]
		if ok && protocol.Digest(data) == desc.PartDigests[i] {
			continue
		}

		delete(dl.have, i)
		dl.attempts[i]++
		attempt := dl.attempts[i]
		d.log.Warnf("Part %d of %s failed verification (attempt %d)", i, desc.Filename, attempt)

		if attempt >= MaxAttempts {
			if fatal == nil {
				fatal = fmt.Errorf("%w: part %d after %d attempts", ErrPartCorrupt, i, attempt)
			}
			continue
		}
		part := i
		retries = append(retries, func() { d.events.OnRetry(desc.FileID, desc.Filename, part, attempt) })
	}

	if fatal != nil {
		dl.state = StateFailed
		dl.err = fatal
		failed := func() { d.events.OnFailed(desc.FileID, desc.Filename, fatal) }
		return []func(){failed}, false
	}
	if len(retries) > 0 {
		return retries, false
	}

	dl.state = StateAssembling
	return nil, true
}

// assemble writes a verified download to disk and moves it to the local
// set. dl must be in StateAssembling, which keeps its parts unchanged.
func (d *Downloads) assemble(dl *download) {
	desc := dl.desc
	parts := make([][]byte, desc.PartsCount)
	for i := range parts {
		parts[i] = dl.have[i]
	}

	path := d.path(desc)
	if err := writeAtomic(path, parts); err != nil {
		d.markFailed(desc.FileID, StateAssembling, fmt.Errorf("writing %s: %w", path, err))
		return
	}

	readers := make([]io.Reader, len(parts))
	for i, p := range parts {
		readers[i] = bytes.NewReader(p)
	}
	sum, err := HashFile(io.MultiReader(readers...))
	if err != nil {
		d.markFailed(desc.FileID, StateAssembling, fmt.Errorf("hashing %s: %w", path, err))
		return
	}

	ctx := context.Background()
	d.dropShadowed(ctx, desc)
	// Without a catalogue row the file is still served until restart.
	if err := d.catalog.Put(ctx, desc, sum); err != nil {
		d.log.Errorf("Failed to record %s in catalogue: %v", desc.Filename, err)
	}

	d.mu.Lock()
	dl.state = StateComplete
	dl.have = nil
	delete(d.active, desc.FileID)
	d.local[desc.FileID] = desc
	d.mu.Unlock()

	d.log.Infof("Download complete: %s saved to %s", desc.Filename, path)
	d.events.OnComplete(desc.FileID, desc.Filename)
}

// Fail gives up an in-flight download, typically because the server
// reported that it could not be relayed.
func (d *Downloads) Fail(fileID string, err error) {
	d.markFailed(fileID, StateDownloading, err)
}

// FailActive gives up every download still waiting for parts, typically
// because the connection they were requested on is gone.
func (d *Downloads) FailActive(err error) {
	d.mu.Lock()
	var ids []string
	for id, dl := range d.active {
		if dl.state == StateDownloading {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		d.markFailed(id, StateDownloading, err)
	}
}

func (d *Downloads) markFailed(fileID string, from State, err error) {
	d.mu.Lock()
	dl, ok := d.active[fileID]
	if !ok || dl.state != from {
		d.mu.Unlock()
		return
	}
	dl.state = StateFailed
	dl.err = err
	dl.have = make(map[int][]byte)
	name := dl.desc.Filename
	d.mu.Unlock()

	d.log.Errorf("Download of %s failed: %v", name, err)
	d.events.OnFailed(fileID, name, err)
}

// NeededParts lists the parts not yet received, in order.
func (d *Downloads) NeededParts(fileID string) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	dl, ok := d.active[fileID]
	if !ok {
		return nil
	}
	return dl.needed()
}

// Progress reports received and total parts of an active download.
func (d *Downloads) Progress(fileID string) (have, total int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dl, ok := d.active[fileID]
	if !ok {
		return 0, 0, false
	}
	return len(dl.have), dl.desc.PartsCount, true
}

// State reports where fileID stands. Files held locally are complete.
func (d *Downloads) State(fileID string) (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.local[fileID]; ok {
		return StateComplete, true
	}
	if dl, ok := d.active[fileID]; ok {
		return dl.state, true
	}
	return 0, false
}

// Err is the reason a failed download was given up.
func (d *Downloads) Err(fileID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dl, ok := d.active[fileID]; ok {
		return dl.err
	}
	return nil
}

// Local returns the descriptor of a file held in full.
func (d *Downloads) Local(fileID string) (protocol.FileDescriptor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc, ok := d.local[fileID]
	return desc, ok
}

func (d *Downloads) HasFile(fileID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.local[fileID]
	return ok
}

// LocalFiles returns the files this peer holds in full, by name.
func (d *Downloads) LocalFiles() []protocol.FileDescriptor {
	d.mu.Lock()
	out := make([]protocol.FileDescriptor, 0, len(d.local))
	for _, f := range d.local {
		out = append(out, f)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Filename != out[j].Filename {
			return out[i].Filename < out[j].Filename
		}
		return out[i].FileID < out[j].FileID
	})
	return out
}

// ServeLocal reads one part of a local file from disk.
func (d *Downloads) ServeLocal(fileID string, index int) ([]byte, error) {
	d.mu.Lock()
	desc, ok := d.local[fileID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}

	f, err := os.Open(d.path(desc))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return ReadChunkData(f, desc.Size, index)
}

func (d *Downloads) path(desc protocol.FileDescriptor) string {
	return BuildDownloadPath(d.dir, desc.Filename, desc.FileID)
}

func (d *Downloads) addLocal(desc protocol.FileDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.local[desc.FileID] = desc
}

// dropShadowed forgets local files stored at the same path as desc. Their
// bytes were just replaced, so their digests no longer hold.
func (d *Downloads) dropShadowed(ctx context.Context, desc protocol.FileDescriptor) {
	target := d.path(desc)

	d.mu.Lock()
	var shadowed []protocol.FileDescriptor
	for id, f := range d.local {
		if id != desc.FileID && d.path(f) == target {
			shadowed = append(shadowed, f)
			delete(d.local, id)
		}
	}
	d.mu.Unlock()

	for _, f := range shadowed {
		d.log.Warnf("%s (id: %s) was replaced by %s and is no longer served", f.Filename, f.FileID, desc.FileID)
		if err := d.catalog.Delete(ctx, f.FileID); err != nil {
			d.log.Errorf("Failed to remove %s from catalogue: %v", f.FileID, err)
		}
	}
}
