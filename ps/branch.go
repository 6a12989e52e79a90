package ps

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nickyhof/ForkDB/core"
	"go.uber.org/zap"
)

// CreateWorld branches a new world from parentID by copying the parent's
// storage bytes. The world is registered only after the copy succeeded.
func (s *Store) CreateWorld(parentID string, description string) (string, error) {
	if err := s.ensureInitialized(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.worlds[parentID]
	if !ok {
		return "", &core.StorageError{Op: "branch", WorldID: parentID, Err: core.ErrUnknownWorld}
	}

	switch parent.Status {
	case core.StatusMainline, core.StatusActive, core.StatusFailed:
	case core.StatusCommitted, core.StatusRolledBack:
		return "", &core.StorageError{
			Op:      "branch",
			WorldID: parentID,
			Err:     fmt.Errorf("parent is %s and has no storage", parent.Status),
		}
	}

	id := fmt.Sprintf("world_%d", s.counter+1)
	rel := s.fs.Join(s.worldsDir, id+".db")

	if err := s.copyFile(s.relPath(parent), rel); err != nil {
		return "", &core.StorageError{Op: "branch", WorldID: id, Err: err}
	}

	s.counter++

	if description == "" {
		description = fmt.Sprintf("Branch from %s", parentID)
	}

	s.worlds[id] = &core.World{
		ID:          id,
		Status:      core.StatusActive,
		Parent:      parentID,
		Description: description,
		StoragePath: filepath.Join(s.baseDir, rel),
		CreatedAt:   time.Now(),
	}
	s.order = append(s.order, id)

	s.logger.Info("Created world",
		zap.String("world", id),
		zap.String("parent", parentID),
		zap.String("description", description))

	return id, nil
}

// World returns a copy of the registered world.
func (s *Store) World(id string) (core.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	world, ok := s.worlds[id]
	if !ok {
		return core.World{}, &core.StorageError{Op: "lookup", WorldID: id, Err: core.ErrUnknownWorld}
	}
	return *world, nil
}

// Worlds returns copies of every registered world in creation order,
// mainline first.
func (s *Store) Worlds() []core.World {
	s.mu.RLock()
	defer s.mu.RUnlock()

	worlds := make([]core.World, 0, len(s.order))
	for _, id := range s.order {
		worlds = append(worlds, *s.worlds[id])
	}
	return worlds
}

// Path returns the physical storage path of a world.
func (s *Store) Path(id string) (string, error) {
	world, err := s.World(id)
	if err != nil {
		return "", err
	}
	return world.StoragePath, nil
}

// Commit copies the world's storage over mainline. Committing mainline is a
// no-op; only active worlds can be committed.
func (s *Store) Commit(id string) error {
	return s.CommitWithMetrics(id, nil)
}

// CommitWithMetrics commits id and records metrics in the history ledger.
func (s *Store) CommitWithMetrics(id string, metrics map[string]float64) error {
	return s.CommitAs(id, metrics, s.identity)
}

// CommitAs commits id and authors the history transaction as identity.
func (s *Store) CommitAs(id string, metrics map[string]float64, identity core.Identity) error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}
	if id == core.MainlineID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	world, ok := s.worlds[id]
	if !ok {
		return &core.StorageError{Op: "commit", WorldID: id, Err: core.ErrUnknownWorld}
	}

	switch world.Status {
	case core.StatusActive:
	case core.StatusMainline, core.StatusCommitted, core.StatusRolledBack, core.StatusFailed:
		return &core.StorageError{
			Op:      "commit",
			WorldID: id,
			Err:     fmt.Errorf("%w: status %s", core.ErrWorldNotActive, world.Status),
		}
	}

	var previous []byte
	if s.history != nil {
		data, err := s.readFile(s.mainline)
		if err != nil {
			return &core.StorageError{Op: "commit", WorldID: id, Err: err}
		}
		previous = data
	}

	if err := s.copyFile(s.relPath(world), s.mainline); err != nil {
		return &core.StorageError{Op: "commit", WorldID: id, Err: err}
	}

	if s.history != nil {
		if err := s.recordCommit(world, metrics, identity); err != nil {
			if restoreErr := s.writeFile(s.mainline, previous); restoreErr != nil {
				s.logger.Error("Failed to restore mainline", zap.String("world", id), zap.Error(restoreErr))
			}
			return &core.StorageError{Op: "history", WorldID: id, Err: err}
		}
	}

	world.Status = core.StatusCommitted
	s.logger.Info("Committed world", zap.String("world", id))
	return nil
}

// recordCommit records the new mainline bytes. Caller holds s.mu.
func (s *Store) recordCommit(world *core.World, metrics map[string]float64, identity core.Identity) error {
	data, err := s.readFile(s.mainline)
	if err != nil {
		return err
	}
	txn, err := s.history.Record(Promotion{
		Kind:        PromotionCommit,
		World:       world.ID,
		Parent:      world.Parent,
		Description: world.Description,
		Metrics:     metrics,
	}, data, identity)
	if err != nil {
		return err
	}
	s.logger.Info("Recorded mainline transaction", zap.String("world", world.ID), zap.String("txn", txn.Id))
	return nil
}

// Rollback deletes the world's storage and marks it rolled back. Storage
// that is already gone is tolerated.
func (s *Store) Rollback(id string) error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}
	if id == core.MainlineID {
		return &core.StorageError{Op: "rollback", WorldID: id, Err: core.ErrMainlineImmutable}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	world, ok := s.worlds[id]
	if !ok {
		return &core.StorageError{Op: "rollback", WorldID: id, Err: core.ErrUnknownWorld}
	}

	switch world.Status {
	case core.StatusActive, core.StatusFailed, core.StatusRolledBack:
	case core.StatusMainline:
		return &core.StorageError{Op: "rollback", WorldID: id, Err: core.ErrMainlineImmutable}
	case core.StatusCommitted:
		return &core.StorageError{Op: "rollback", WorldID: id, Err: errors.New("world is already committed")}
	}

	if _, err := s.removeStorage(world); err != nil {
		return err
	}

	world.Status = core.StatusRolledBack
	s.logger.Info("Rolled back world", zap.String("world", id))
	return nil
}

// MarkFailed records a terminal failure. Marking an already failed world
// again is a no-op.
func (s *Store) MarkFailed(id string, reason string) error {
	if id == core.MainlineID {
		return &core.StorageError{Op: "fail", WorldID: id, Err: core.ErrMainlineImmutable}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	world, ok := s.worlds[id]
	if !ok {
		return &core.StorageError{Op: "fail", WorldID: id, Err: core.ErrUnknownWorld}
	}

	switch world.Status {
	case core.StatusActive:
		world.Status = core.StatusFailed
		world.FailureReason = reason
		s.logger.Warn("World failed", zap.String("world", id), zap.String("reason", reason))
	case core.StatusFailed, core.StatusRolledBack, core.StatusCommitted, core.StatusMainline:
	}

	return nil
}

// ReadBytes returns the raw storage bytes of a world.
func (s *Store) ReadBytes(id string) ([]byte, error) {
	world, err := s.World(id)
	if err != nil {
		return nil, err
	}

	data, err := s.readFile(s.relPath(&world))
	if err != nil {
		return nil, &core.StorageError{Op: "read", WorldID: id, Err: err}
	}
	return data, nil
}

// RestoreMainline overwrites mainline with its bytes as of a history
// transaction and records the restore as a new transaction.
func (s *Store) RestoreMainline(txnID string) (Transaction, error) {
	if s.history == nil {
		return Transaction{}, &core.StorageError{Op: "restore", WorldID: core.MainlineID, Err: errors.New("no history attached")}
	}

	data, err := s.history.Read(txnID)
	if err != nil {
		return Transaction{}, &core.StorageError{Op: "restore", WorldID: core.MainlineID, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeFile(s.mainline, data); err != nil {
		return Transaction{}, &core.StorageError{Op: "restore", WorldID: core.MainlineID, Err: err}
	}

	txn, err := s.history.Record(Promotion{
		Kind:        PromotionRestore,
		World:       core.MainlineID,
		Description: fmt.Sprintf("Restored mainline to %s", txnID),
	}, data, s.identity)
	if err != nil {
		return Transaction{}, &core.StorageError{Op: "history", WorldID: core.MainlineID, Err: err}
	}

	s.logger.Info("Restored mainline", zap.String("from", txnID), zap.String("txn", txn.Id))
	return txn, nil
}

// PullMainline fast-forwards the history ledger from a remote and, when it
// moved, overwrites mainline with the pulled head. force adopts the remote
// ledger even when local transactions would be discarded.
func (s *Store) PullMainline(remoteName string, auth *RemoteAuth, force bool) (Transaction, bool, error) {
	if s.history == nil {
		return Transaction{}, false, &core.StorageError{Op: "pull", WorldID: core.MainlineID, Err: errors.New("no history attached")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	moved, err := s.history.Pull(remoteName, auth, force)
	if err != nil {
		return Transaction{}, false, &core.StorageError{Op: "pull", WorldID: core.MainlineID, Err: err}
	}

	head := s.history.LatestTransaction()
	if !moved {
		return head, false, nil
	}

	data, err := s.history.Read(head.Id)
	if err != nil {
		return Transaction{}, false, &core.StorageError{Op: "pull", WorldID: core.MainlineID, Err: err}
	}
	if err := s.writeFile(s.mainline, data); err != nil {
		return Transaction{}, false, &core.StorageError{Op: "pull", WorldID: core.MainlineID, Err: err}
	}

	s.logger.Info("Pulled mainline", zap.String("remote", remoteName), zap.String("txn", head.Id))
	return head, true, nil
}

// ReplaceMainline overwrites mainline with data read from r and records it
// as a seed transaction.
func (s *Store) ReplaceMainline(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &core.StorageError{Op: "seed", WorldID: core.MainlineID, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeFile(s.mainline, data); err != nil {
		return &core.StorageError{Op: "seed", WorldID: core.MainlineID, Err: err}
	}

	if s.history != nil {
		if _, err := s.history.Record(Promotion{Kind: PromotionSeed, World: core.MainlineID}, data, s.identity); err != nil {
			return &core.StorageError{Op: "history", WorldID: core.MainlineID, Err: err}
		}
	}

	s.logger.Info("Replaced mainline", zap.Int("bytes", len(data)))
	return nil
}

func (s *Store) relPath(world *core.World) string {
	if world.ID == core.MainlineID {
		return s.mainline
	}
	return s.fs.Join(s.worldsDir, world.ID+".db")
}

// removeStorage deletes a world's file. Caller holds s.mu.
func (s *Store) removeStorage(world *core.World) (bool, error) {
	rel := s.relPath(world)
	if _, err := s.fs.Stat(rel); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &core.StorageError{Op: "rollback", WorldID: world.ID, Err: err}
	}
	if err := s.fs.Remove(rel); err != nil && !os.IsNotExist(err) {
		return false, &core.StorageError{Op: "rollback", WorldID: world.ID, Err: err}
	}
	return true, nil
}

// copyFile copies src over dst through a temp file and an atomic rename so
// dst is either fully written or untouched.
func (s *Store) copyFile(src, dst string) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	return s.writeFrom(dst, in)
}

func (s *Store) readFile(rel string) ([]byte, error) {
	f, err := s.fs.Open(rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Store) writeFile(dst string, data []byte) error {
	return s.writeFrom(dst, bytes.NewReader(data))
}

func (s *Store) writeFrom(dst string, r io.Reader) error {
	tmp := dst + "." + randomSuffix() + ".tmp"

	out, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer s.fs.Remove(tmp)

	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}

	if syncer, ok := out.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			out.Close()
			return fmt.Errorf("failed to sync temp file: %w", err)
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := s.fs.Rename(tmp, dst); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", dst, err)
	}

	return nil
}

func randomSuffix() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
