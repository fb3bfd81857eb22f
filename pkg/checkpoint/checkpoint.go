// Package checkpoint persists per-round engine state so an interrupted
// case can resume from its last completed round.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/veska-bio/loom/pkg/evidence"
	"github.com/veska-bio/loom/pkg/logger"
	"github.com/veska-bio/loom/pkg/research"
)

var log = logger.Tagged("Checkpoint")

// ErrNotFound is returned by Latest when a case has no saved rounds.
var ErrNotFound = errors.New("no checkpoint found")

// Checkpoint is the durable state of one case after one round: the merged
// graph, the advanced plan and the decision history up to that round.
type Checkpoint struct {
	CaseID     string                 `json:"caseId"`
	RoundIndex int                    `json:"roundIndex"`
	Terminal   bool                   `json:"terminal"`
	Graph      evidence.GraphSnapshot `json:"graph"`
	Plan       *research.Plan         `json:"plan"`
	History    []research.Decision    `json:"history"`
	SavedAt    time.Time              `json:"savedAt"`
}

// Store persists checkpoints. Implementations live in the fs and pgx
// subpackages.
type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	Latest(ctx context.Context, caseID string) (Checkpoint, error)
}

// FromRoundState converts engine round state into a checkpoint.
func FromRoundState(state research.RoundState) Checkpoint {
	return Checkpoint{
		CaseID:     state.CaseID,
		RoundIndex: state.RoundIndex,
		Terminal:   state.Terminal,
		Graph:      state.Graph,
		Plan:       state.Plan,
		History:    state.History,
		SavedAt:    time.Now().UTC(),
	}
}

// EngineParams rebuilds the constructor arguments for resuming the case
// at the round after this checkpoint. The caller still provides the
// worker, the saver and the policy.
func (cp Checkpoint) EngineParams() (research.NewEngineParams, error) {
	graph, err := evidence.FromSnapshot(cp.Graph)
	if err != nil {
		return research.NewEngineParams{}, fmt.Errorf("failed to restore graph: %w", err)
	}

	return research.NewEngineParams{
		CaseID:     cp.CaseID,
		Graph:      graph,
		Plan:       cp.Plan,
		StartRound: cp.RoundIndex + 1,
		History:    cp.History,
	}, nil
}

// RoundSaver adapts a Store to the engine's Saver interface.
type RoundSaver struct {
	store Store
}

var _ research.Saver = (*RoundSaver)(nil)

func NewRoundSaver(store Store) *RoundSaver {
	return &RoundSaver{store: store}
}

func (rs *RoundSaver) SaveRound(ctx context.Context, state research.RoundState) error {
	return rs.store.Save(ctx, FromRoundState(state))
}

// Archiver uploads finished cases to long-term object storage.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte) error
}

// WithArchive wraps a store so terminal checkpoints are additionally
// uploaded as JSON objects. Archive failures are logged and do not fail
// the save.
func WithArchive(store Store, archiver Archiver) Store {
	return &archivingStore{store: store, archiver: archiver}
}

type archivingStore struct {
	store    Store
	archiver Archiver
}

func (s *archivingStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := s.store.Save(ctx, cp); err != nil {
		return err
	}

	if !cp.Terminal || s.archiver == nil {
		return nil
	}

	body, err := json.Marshal(cp)
	if err != nil {
		log.Warn("failed to marshal checkpoint for archive", "case", cp.CaseID, "error", err)
		return nil
	}

	key := ArchiveKey(cp.CaseID, cp.RoundIndex)
	if err := s.archiver.Put(ctx, key, body); err != nil {
		log.Warn("failed to archive checkpoint", "case", cp.CaseID, "key", key, "error", err)
		return nil
	}

	log.Info("archived terminal checkpoint", "case", cp.CaseID, "key", key)
	return nil
}

func (s *archivingStore) Latest(ctx context.Context, caseID string) (Checkpoint, error) {
	return s.store.Latest(ctx, caseID)
}

// ArchiveKey is the object key used for archived terminal checkpoints.
func ArchiveKey(caseID string, round int) string {
	return fmt.Sprintf("%sround-%04d.json", archivePrefix(caseID), round)
}

func archivePrefix(caseID string) string {
	return "checkpoints/" + caseID + "/"
}

// ArchiveReader is the read side of the archive bucket.
type ArchiveReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// LatestArchived loads the newest archived checkpoint for a case. The
// zero-padded round in the object key makes lexicographic order match
// round order.
func LatestArchived(ctx context.Context, reader ArchiveReader, caseID string) (Checkpoint, error) {
	keys, err := reader.List(ctx, archivePrefix(caseID))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to list archived checkpoints: %w", err)
	}
	if len(keys) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	sort.Strings(keys)

	body, err := reader.Get(ctx, keys[len(keys)-1])
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to get archived checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(body, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to decode archived checkpoint: %w", err)
	}
	return cp, nil
}
