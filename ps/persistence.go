package ps

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/go-git/go-billy/v6"
	"github.com/go-git/go-billy/v6/osfs"
	"github.com/gofrs/flock"
	"github.com/nickyhof/ForkDB/core"
	"go.uber.org/zap"
)

const (
	DefaultMainline  = "main.db"
	DefaultWorldsDir = "worlds"
	lockFileName     = ".forkdb.lock"
)

var (
	ErrNotInitialized = errors.New("store not initialized")
	ErrLocked         = errors.New("store is locked by another process")
)

var worldFilePattern = regexp.MustCompile(`^world_(\d+)\.db$`)

// Options configures a Store.
type Options struct {
	// BaseDir holds the mainline file, the worlds directory and the lock file.
	BaseDir string

	// Mainline is the mainline file name relative to BaseDir (default "main.db").
	Mainline string

	// WorldsDir is the directory for branch storage relative to BaseDir (default "worlds").
	WorldsDir string

	// History, when set, records every promotion into mainline.
	History *History

	// Identity authors history transactions.
	Identity core.Identity

	Logger *zap.Logger
}

// Store is the snapshot store and world registry. Every registry mutation
// goes through its methods so world invariants are enforced in one place.
type Store struct {
	fs        billy.Filesystem
	baseDir   string
	mainline  string
	worldsDir string

	mu      sync.RWMutex
	worlds  map[string]*core.World
	order   []string
	counter int

	lock     *flock.Flock
	history  *History
	identity core.Identity
	logger   *zap.Logger
}

// NewStore opens the store rooted at opts.BaseDir. The mainline file must
// already exist.
func NewStore(opts Options) (*Store, error) {
	if opts.BaseDir == "" {
		return nil, &core.StorageError{Op: "open", Err: errors.New("base directory not set")}
	}
	if opts.Mainline == "" {
		opts.Mainline = DefaultMainline
	}
	if opts.WorldsDir == "" {
		opts.WorldsDir = DefaultWorldsDir
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Identity.Name == "" {
		opts.Identity = core.Identity{Name: "ForkDB", Email: "forkdb@localhost"}
	}

	baseDir, err := filepath.Abs(opts.BaseDir)
	if err != nil {
		return nil, &core.StorageError{Op: "open", Err: err}
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, &core.StorageError{Op: "open", Err: err}
	}

	lock := flock.New(filepath.Join(baseDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, &core.StorageError{Op: "lock", Err: err}
	}
	if !locked {
		return nil, &core.StorageError{Op: "lock", Err: ErrLocked}
	}

	fs := osfs.New(baseDir)

	if _, err := fs.Stat(opts.Mainline); err != nil {
		_ = lock.Unlock()
		return nil, &core.StorageError{
			Op:      "open",
			WorldID: core.MainlineID,
			Err:     fmt.Errorf("mainline file %s not found: %w", filepath.Join(baseDir, opts.Mainline), err),
		}
	}

	if err := fs.MkdirAll(opts.WorldsDir, 0755); err != nil {
		_ = lock.Unlock()
		return nil, &core.StorageError{Op: "open", Err: err}
	}

	store := &Store{
		fs:        fs,
		baseDir:   baseDir,
		mainline:  opts.Mainline,
		worldsDir: opts.WorldsDir,
		worlds:    make(map[string]*core.World),
		lock:      lock,
		history:   opts.History,
		identity:  opts.Identity,
		logger:    opts.Logger,
	}

	store.worlds[core.MainlineID] = &core.World{
		ID:          core.MainlineID,
		Status:      core.StatusMainline,
		Description: "Mainline database",
		StoragePath: filepath.Join(baseDir, opts.Mainline),
		CreatedAt:   time.Now(),
	}
	store.order = append(store.order, core.MainlineID)

	if err := store.reclaimOrphans(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	if store.history != nil && store.history.Empty() {
		data, err := store.ReadBytes(core.MainlineID)
		if err != nil {
			_ = lock.Unlock()
			return nil, err
		}
		if _, err := store.history.Record(Promotion{Kind: PromotionBaseline, World: core.MainlineID}, data, store.identity); err != nil {
			_ = lock.Unlock()
			return nil, &core.StorageError{Op: "history", WorldID: core.MainlineID, Err: err}
		}
	}

	return store, nil
}

// IsInitialized returns true if the store has an open base directory
func (s *Store) IsInitialized() bool {
	return s != nil && s.fs != nil
}

func (s *Store) ensureInitialized() error {
	if !s.IsInitialized() {
		return ErrNotInitialized
	}
	return nil
}

// BaseDir returns the absolute base directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// History returns the attached ledger, or nil.
func (s *Store) History() *History {
	return s.history
}

// reclaimOrphans deletes world files left behind by an abandoned run and
// seeds the id counter past them so ids are never reused.
func (s *Store) reclaimOrphans() error {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, s.worldsDir))
	if err != nil {
		return &core.StorageError{Op: "reclaim", Err: err}
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if m := worldFilePattern.FindStringSubmatch(name); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > s.counter {
				s.counter = n
			}
		} else if filepath.Ext(name) != ".tmp" {
			continue
		}

		if err := s.fs.Remove(s.fs.Join(s.worldsDir, name)); err != nil {
			return &core.StorageError{Op: "reclaim", Err: err}
		}
		s.logger.Info("Reclaimed orphaned world storage", zap.String("file", name))
	}

	return nil
}

// Reclaim deletes the storage of every branch that is neither active nor
// committed. It returns the ids whose storage was removed.
func (s *Store) Reclaim() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []string
	for _, id := range s.order {
		world := s.worlds[id]
		switch world.Status {
		case core.StatusMainline, core.StatusActive, core.StatusCommitted:
			continue
		case core.StatusRolledBack, core.StatusFailed:
		}

		removed, err := s.removeStorage(world)
		if err != nil {
			return reclaimed, err
		}
		if removed {
			reclaimed = append(reclaimed, id)
		}
	}

	return reclaimed, nil
}

// Close rolls back every still-active branch, reclaims terminal storage and
// releases the store lock.
func (s *Store) Close() error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}

	var errs []error
	for _, world := range s.Worlds() {
		if world.Status == core.StatusActive {
			if err := s.Rollback(world.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if _, err := s.Reclaim(); err != nil {
		errs = append(errs, err)
	}
	if err := s.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
