package ForkDB

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nickyhof/ForkDB/config"
	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/db"
	"github.com/nickyhof/ForkDB/obs"
	"github.com/nickyhof/ForkDB/op"
	"github.com/nickyhof/ForkDB/oracle"
	"github.com/nickyhof/ForkDB/ps"
	"go.uber.org/zap"
)

const historyDir = "history"

var ErrAlreadyInitialized = errors.New("mainline already exists")

// Instance wires the snapshot store, the statement engine and the
// experiment driver for one data directory.
type Instance struct {
	Config  *config.Config
	Store   *ps.Store
	Engine  *db.Engine
	Metrics *obs.Metrics
	Logger  *zap.Logger
}

type Option func(*Instance)

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(instance *Instance) {
		instance.Logger = logger
	}
}

func mainlinePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, cfg.Mainline)
}

// Init creates the data directory and its mainline. With a seed URL the
// mainline is downloaded from a local path, HTTP(S) or S3; otherwise an
// empty database is created.
func Init(ctx context.Context, cfg *config.Config, seedURL string) error {
	path := mainlinePath(cfg)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, path)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}

	if seedURL == "" {
		dialect, err := db.DialectByName(cfg.Dialect)
		if err != nil {
			return err
		}
		return db.CreateDatabase(ctx, dialect, path)
	}

	src, err := ps.OpenSource(ctx, seedURL, cfg.S3)
	if err != nil {
		return fmt.Errorf("failed to open seed: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return fmt.Errorf("failed to copy seed: %w", err)
	}
	return dst.Close()
}

// Open opens an initialized data directory.
func Open(cfg *config.Config, opts ...Option) (*Instance, error) {
	instance := &Instance{Config: cfg, Metrics: obs.NewMetrics()}
	for _, opt := range opts {
		opt(instance)
	}

	if instance.Logger == nil {
		logger, err := obs.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, err
		}
		instance.Logger = logger
	}

	dialect, err := db.DialectByName(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	var history *ps.History
	if cfg.History {
		history, err = ps.NewFileHistory(filepath.Join(cfg.DataDir, historyDir))
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
	}

	store, err := ps.NewStore(ps.Options{
		BaseDir:   cfg.DataDir,
		Mainline:  cfg.Mainline,
		WorldsDir: cfg.WorldsDir,
		History:   history,
		Identity:  core.Identity{Name: cfg.Identity.Name, Email: cfg.Identity.Email},
		Logger:    instance.Logger,
	})
	if err != nil {
		return nil, err
	}
	instance.Store = store

	instance.Engine = db.NewEngine(store, db.Options{
		Dialect:  dialect,
		Timeout:  cfg.Execution.StatementTimeout,
		Logger:   instance.Logger,
		Observer: instance.Metrics,
	})

	return instance, nil
}

// Oracles builds the configured oracles. planFile overrides the configured
// plan for the static provider.
func (instance *Instance) Oracles(planFile string) (oracle.Oracles, error) {
	cfg := instance.Config.Oracle

	switch cfg.Provider {
	case config.ProviderOpenAI:
		client, err := oracle.NewOpenAI(oracle.OpenAIConfig{
			APIKey:            cfg.APIKey,
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			Temperature:       cfg.Temperature,
			RequestsPerSecond: cfg.RequestsPerSecond,
			MaxRetries:        cfg.MaxRetries,
			Branches:          cfg.Branches,
			Dialect:           instance.Engine.Dialect().Name(),
			Logger:            instance.Logger,
			Schema: func(ctx context.Context) (string, error) {
				schema, err := instance.Engine.SchemaOf(ctx, core.MainlineID)
				if err != nil {
					return "", err
				}
				return schema.String(), nil
			},
		})
		if err != nil {
			return oracle.Oracles{}, err
		}
		return oracle.Oracles{Classifier: client, Planner: client, Generator: client, Repairer: client, Evaluator: client}, nil

	default:
		if planFile == "" {
			planFile = cfg.PlanFile
		}
		if planFile == "" {
			return oracle.Oracles{}, errors.New("the static oracle needs a plan file")
		}
		static, err := oracle.LoadStatic(planFile)
		if err != nil {
			return oracle.Oracles{}, err
		}
		return static.Oracles(), nil
	}
}

// Experiment returns a driver for natural-language questions.
func (instance *Instance) Experiment(oracles oracle.Oracles, autoCommit bool) *op.Experiment {
	return op.NewExperiment(instance.Store, instance.Engine, oracles, op.Options{
		AutoCommit:    autoCommit,
		MaxRetries:    instance.Config.Execution.MaxRetries,
		RepairTimeout: instance.Config.Execution.RepairTimeout,
		SampleRows:    instance.Config.Execution.SampleRows,
		Logger:        instance.Logger,
		Observer:      instance.Metrics,
	})
}

func (instance *Instance) Branch(parentID string, description string) (string, error) {
	if parentID == "" {
		parentID = core.MainlineID
	}
	id, err := instance.Store.CreateWorld(parentID, description)
	if err != nil {
		return "", err
	}
	instance.Metrics.WorldCreated()
	return id, nil
}

func (instance *Instance) Execute(ctx context.Context, worldID string, text string) (core.ExecutionLogEntry, error) {
	return instance.Engine.Execute(ctx, worldID, text)
}

func (instance *Instance) Schema(ctx context.Context, worldID string) (core.Schema, error) {
	return instance.Engine.SchemaOf(ctx, worldID)
}

func (instance *Instance) Worlds() []core.World {
	return instance.Store.Worlds()
}

// Commit promotes one world into mainline without touching the others.
func (instance *Instance) Commit(worldID string) error {
	return instance.CommitAs(worldID, core.Identity{Name: instance.Config.Identity.Name, Email: instance.Config.Identity.Email})
}

// CommitAs commits worldID and authors the history transaction as identity.
func (instance *Instance) CommitAs(worldID string, identity core.Identity) error {
	if err := instance.Store.CommitAs(worldID, nil, identity); err != nil {
		return err
	}
	instance.Metrics.Finalized(op.FinalizeReport{Committed: worldID})
	return nil
}

func (instance *Instance) Rollback(worldID string) error {
	return instance.Store.Rollback(worldID)
}

// Finalize commits chosen and rolls back every other live branch.
func (instance *Instance) Finalize(chosen string, rejected []string) (op.FinalizeReport, error) {
	return op.NewCoordinator(instance.Store, instance.Logger, instance.Metrics).Finalize(chosen, rejected)
}

// History lists mainline transactions, newest first.
func (instance *Instance) History() ([]ps.Transaction, error) {
	history, err := instance.history()
	if err != nil {
		return nil, err
	}
	return history.Transactions()
}

func (instance *Instance) Restore(txnID string) (ps.Transaction, error) {
	return instance.Store.RestoreMainline(txnID)
}

func (instance *Instance) history() (*ps.History, error) {
	history := instance.Store.History()
	if history == nil {
		return nil, errors.New("history is disabled")
	}
	return history, nil
}

// AddRemote registers a location the history ledger can be pushed to.
func (instance *Instance) AddRemote(name, url string) error {
	history, err := instance.history()
	if err != nil {
		return err
	}
	return history.AddRemote(name, url)
}

func (instance *Instance) Remotes() ([]ps.Remote, error) {
	history, err := instance.history()
	if err != nil {
		return nil, err
	}
	return history.Remotes()
}

func (instance *Instance) RemoveRemote(name string) error {
	history, err := instance.history()
	if err != nil {
		return err
	}
	return history.RemoveRemote(name)
}

// Push publishes the mainline history to a remote.
func (instance *Instance) Push(remote string, auth *ps.RemoteAuth) error {
	history, err := instance.history()
	if err != nil {
		return err
	}
	return history.Push(remote, auth)
}

// Pull fast-forwards mainline to the remote's history. force replaces the
// local history with the remote's.
func (instance *Instance) Pull(remote string, auth *ps.RemoteAuth, force bool) (ps.Transaction, bool, error) {
	return instance.Store.PullMainline(remote, auth, force)
}

// Seed replaces mainline with a snapshot read from url.
func (instance *Instance) Seed(ctx context.Context, url string) error {
	src, err := ps.OpenSource(ctx, url, instance.Config.S3)
	if err != nil {
		return err
	}
	defer src.Close()
	return instance.Store.ReplaceMainline(src)
}

// Export writes the current mainline bytes to url.
func (instance *Instance) Export(ctx context.Context, url string) error {
	data, err := instance.Store.ReadBytes(core.MainlineID)
	if err != nil {
		return err
	}

	sink, err := ps.OpenSink(ctx, url, instance.Config.S3)
	if err != nil {
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Close()
		return fmt.Errorf("failed to write export: %w", err)
	}
	return sink.Close()
}

// Close rolls back live branches, reclaims their storage and releases the
// data directory.
func (instance *Instance) Close() error {
	err := instance.Store.Close()
	_ = instance.Logger.Sync()
	return err
}
