package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/store"
)

// Relay moves parts from holders to a requester through the server. It
// fetches parts one at a time and aborts the whole transfer on the first
// part it cannot deliver.
type Relay struct {
	index           Index
	registry        *Registry
	log             logrus.FieldLogger
	pickTimeout     time.Duration
	pollInterval    time.Duration
	responseTimeout time.Duration
}

func NewRelay(index Index, registry *Registry, cfg Config) *Relay {
	cfg.setDefaults()
	return &Relay{
		index:           index,
		registry:        registry,
		log:             cfg.Logger,
		pickTimeout:     cfg.PickTimeout,
		pollInterval:    cfg.PollInterval,
		responseTimeout: cfg.ResponseTimeout,
	}
}

// Transfer streams the parts named by req to requester. An empty
// PartsNeeded means every part. On failure the requester gets an ERROR
// naming the file and is otherwise left connected.
func (r *Relay) Transfer(ctx context.Context, requester Peer, req protocol.RequestFile) error {
	log := r.log.WithFields(logrus.Fields{"peer": requester.ID(), "file": req.FileID})
	start := time.Now()

	file, err := r.index.GetFile(ctx, req.FileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrFileNotFound, req.FileID)
		}
		return r.fail(log, requester, req, err)
	}

	parts := req.PartsNeeded
	if len(parts) == 0 {
		parts = protocol.AllParts(file.PartsCount)
	}
	log.Infof("Relaying %d part(s) of %s", len(parts), file.Filename)

	for _, idx := range parts {
		if idx < 0 || idx >= file.PartsCount {
			return r.fail(log, requester, req, fmt.Errorf("part %d out of range for %d parts", idx, file.PartsCount))
		}
		if err := r.relayPart(ctx, requester, req, idx); err != nil {
			return r.fail(log, requester, req, err)
		}
	}

	log.Infof("Relay of %s finished in %s", file.Filename, time.Since(start).Round(time.Millisecond))
	return nil
}

func (r *Relay) relayPart(ctx context.Context, requester Peer, req protocol.RequestFile, idx int) error {
	part, err := r.index.GetFilePartWithPeers(ctx, req.FileID, idx)
	if err != nil {
		return err
	}

	holders := r.registry.Live(part.Peers)
	if len(holders) == 0 {
		return fmt.Errorf("%w: nobody online holds %s", ErrNoFreePeer, part.ID)
	}

	holder, err := r.waitForFree(ctx, holders)
	if err != nil {
		return fmt.Errorf("part %s: %w", part.ID, err)
	}
	defer r.registry.Release(holder.ID())

	chunk, err := r.fetch(ctx, holder, req.FileID, idx)
	if err != nil {
		return err
	}

	r.log.WithFields(logrus.Fields{"holder": holder.ID(), "peer": requester.ID()}).
		Debugf("Forwarding part %s (%d bytes)", part.ID, len(chunk.Data))

	h := protocol.ChunkHeader{FileID: req.FileID, PartIndex: idx, RequestID: req.RequestID}
	if err := requester.SendChunk(h, chunk.Data); err != nil {
		return fmt.Errorf("forwarding %s: %w", part.ID, err)
	}
	return nil
}

// waitForFree polls the registry until one of holders can be leased or
// the pick timeout passes.
func (r *Relay) waitForFree(ctx context.Context, holders []string) (Peer, error) {
	deadline := time.NewTimer(r.pickTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if p, ok := r.registry.ChooseFree(holders); ok {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w after %s", ErrNoFreePeer, r.pickTimeout)
		case <-ticker.C:
		}
	}
}

func (r *Relay) fetch(ctx context.Context, holder Peer, fileID string, idx int) (Chunk, error) {
	inner := protocol.RequestFile{
		FileID:      fileID,
		PartsNeeded: []int{idx},
		RequestID:   uuid.NewString(),
	}

	future, err := holder.SendChunkRequest(inner)
	if err != nil {
		return Chunk{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.responseTimeout)
	defer cancel()

	chunk, err := future.Wait(waitCtx)
	if err != nil {
		return Chunk{}, fmt.Errorf("waiting for %s from %s: %w", protocol.PartKey(fileID, idx), holder.ID(), err)
	}
	if chunk.FileID != fileID || chunk.PartIndex != idx {
		return Chunk{}, fmt.Errorf("holder %s answered %s with %s",
			holder.ID(), protocol.PartKey(fileID, idx), protocol.PartKey(chunk.FileID, chunk.PartIndex))
	}
	return chunk, nil
}

func (r *Relay) fail(log logrus.FieldLogger, requester Peer, req protocol.RequestFile, err error) error {
	log.Warnf("Relay failed: %v", err)
	msg := fmt.Sprintf("Transfer of %s failed: %v", req.FileID, err)
	if sendErr := requester.SendError(protocol.ErrNotFound, msg, req.FileID); sendErr != nil {
		log.Debugf("Failed to report relay error: %v", sendErr)
	}
	return err
}
