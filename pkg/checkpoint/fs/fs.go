// Package fs stores checkpoints as JSON files on local disk, one file per
// round under a directory per case. It is the default backend when no
// database is configured.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/veska-bio/loom/pkg/checkpoint"
)

// Store writes <root>/<caseID>/round-NNNN.json per saved round.
type Store struct {
	root string
}

var _ checkpoint.Store = (*Store)(nil)

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("no checkpoint directory provided")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	dir, err := s.caseDir(cp.CaseID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create case directory: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	return writeFileAtomic(filepath.Join(dir, roundFileName(cp.RoundIndex)), data)
}

func (s *Store) Latest(ctx context.Context, caseID string) (checkpoint.Checkpoint, error) {
	dir, err := s.caseDir(caseID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("failed to read case directory: %w", err)
	}

	best := -1
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		round, ok := parseRoundFileName(entry.Name())
		if ok && round > best {
			best = round
		}
	}
	if best < 0 {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}

	data, err := os.ReadFile(filepath.Join(dir, roundFileName(best)))
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return cp, nil
}

// caseDir rejects ids that would escape the store root when used as a
// directory name.
func (s *Store) caseDir(caseID string) (string, error) {
	if caseID == "" {
		return "", errors.New("no case id provided")
	}
	if strings.ContainsAny(caseID, `/\`) || caseID == "." || caseID == ".." {
		return "", fmt.Errorf("case id %q is not usable as a directory name", caseID)
	}
	return filepath.Join(s.root, caseID), nil
}

func roundFileName(round int) string {
	return fmt.Sprintf("round-%04d.json", round)
}

func parseRoundFileName(name string) (int, bool) {
	if !strings.HasPrefix(name, "round-") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "round-"), ".json")
	round, err := strconv.Atoi(digits)
	if err != nil || round < 0 {
		return 0, false
	}
	return round, true
}

// writeFileAtomic writes via a temp file and rename so a crashed save never
// leaves a truncated checkpoint behind.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".round-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}
