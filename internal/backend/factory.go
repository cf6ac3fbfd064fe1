package backend

import (
	"context"
	"errors"
	"fmt"

	"payflow/internal/amqp"
	"payflow/internal/history"
	"payflow/internal/log"
	"payflow/internal/sheets"
	gsheet "payflow/internal/sheets/google"
	"payflow/internal/statestore"
	"payflow/internal/storage"
	"payflow/internal/storage/badgerkv"
	"payflow/internal/storage/memory"
	"payflow/internal/syncbus"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Default(log.ComponentBackend)
	}
	return &DefaultFactory{logger: logger}
}

// CreateBackend opens storage, then the bus, then the optional sheet
// exporter. A bus or exporter that cannot be reached degrades the peer to
// local-only operation instead of failing startup.
func (f *DefaultFactory) CreateBackend(ctx context.Context, cfg Config) (*BackendResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.StateKey == "" {
		cfg.StateKey = storage.DefaultStateKey
	}

	store, err := f.openStorage(cfg)
	if err != nil {
		return nil, err
	}

	result := &BackendResult{Storage: store}
	cleanups := []CleanupFunc{store.Close}

	switch cfg.Bus {
	case AMQPBus:
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, f.logger.WithComponent(log.ComponentAMQP))
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP client, continuing without cross-process sync", log.FieldError, err)
			f.useMemoryBus(cfg, result, &cleanups)
			break
		}
		f.logger.Info("Initialized AMQP sync bus", "exchange", cfg.AMQPExchange, log.FieldPeer, client.PeerID())
		result.Bus = client
		result.Run = client.Run
		result.BusConnected = client.Connected
		cleanups = append(cleanups, client.Close)
	default:
		f.useMemoryBus(cfg, result, &cleanups)
	}

	var exporter sheets.HistoryWriter
	if cfg.GoogleSpreadsheetID != "" {
		client, err := gsheet.NewFromConfig(ctx, gsheet.Config{
			SpreadsheetID:      cfg.GoogleSpreadsheetID,
			SheetName:          cfg.GoogleHistorySheet,
			ServiceAccountJSON: cfg.GoogleServiceAccountJSON,
			ServiceAccountFile: cfg.GoogleServiceAccountFile,
		})
		if err != nil {
			f.logger.Warn("Failed to initialize Google Sheets client, cycle export disabled", log.FieldError, err)
		} else {
			exporter = client
			f.logger.Info("Cycle history export enabled", "spreadsheet_id", cfg.GoogleSpreadsheetID)
		}
	}
	result.Recorder = history.NewRecorder(store, exporter, f.logger.WithComponent(log.ComponentHistory))

	result.Cleanup = func() error {
		var errs []error
		for i := len(cleanups) - 1; i >= 0; i-- {
			errs = append(errs, cleanups[i]())
		}
		return errors.Join(errs...)
	}
	return result, nil
}

func (f *DefaultFactory) openStorage(cfg Config) (Storage, error) {
	switch cfg.Type {
	case SQLiteBackend:
		repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath, cfg.StateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		f.logger.Info("Initialized SQLite backend", "db_path", cfg.SQLiteDBPath, log.FieldStateKey, cfg.StateKey)
		return repo, nil
	case BadgerBackend:
		db, err := badgerkv.Open(cfg.BadgerPath, cfg.StateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		f.logger.Info("Initialized badger backend", "path", cfg.BadgerPath, log.FieldStateKey, cfg.StateKey)
		return db, nil
	case MemoryBackend:
		f.logger.Info("Initialized memory backend")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", cfg.Type)
	}
}

func (f *DefaultFactory) useMemoryBus(cfg Config, result *BackendResult, cleanups *[]CleanupFunc) {
	hub := cfg.Hub
	if hub == nil {
		hub = syncbus.NewHub()
	}
	endpoint := hub.Join()
	result.Bus = endpoint
	result.BusConnected = func() bool { return true }
	*cleanups = append(*cleanups, endpoint.Close)
}

var _ statestore.Bus = (*syncbus.Endpoint)(nil)
