// Package backend assembles the collaborators of a State Store from
// configuration: the persistence adapter, the Sync Bus transport and the
// cycle history recorder.
package backend

import (
	"context"
	"fmt"

	"payflow/internal/config"
	"payflow/internal/history"
	"payflow/internal/statestore"
	"payflow/internal/syncbus"
)

// Storage is a persistence adapter that also keeps the cycle ledger.
type Storage interface {
	statestore.Persistence
	history.Ledger
	Close() error
}

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult holds everything a peer needs to build its Store.
type BackendResult struct {
	Storage  Storage
	Bus      statestore.Bus
	Recorder *history.Recorder
	// Run drives the bus transport until ctx ends. Nil when the transport
	// needs no goroutine of its own.
	Run func(ctx context.Context) error
	// BusConnected reports transport health for readiness checks.
	BusConnected func() bool
	Cleanup      CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// BackendType selects the persistence adapter.
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	BadgerBackend BackendType = "badger"
	MemoryBackend BackendType = "memory"
)

func (bt BackendType) String() string {
	return string(bt)
}

func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, BadgerBackend, MemoryBackend:
		return true
	default:
		return false
	}
}

// BusType selects the Sync Bus transport.
type BusType string

const (
	MemoryBus BusType = "memory"
	AMQPBus   BusType = "amqp"
)

func (bt BusType) IsValid() bool {
	return bt == MemoryBus || bt == AMQPBus
}

// Config holds configuration for backend creation
type Config struct {
	Type     BackendType
	StateKey string

	SQLiteDBPath string
	// BadgerPath empty opens an in-memory badger instance.
	BadgerPath string

	Bus          BusType
	AMQPURL      string
	AMQPExchange string
	// Hub connects in-process peers on the memory bus. A private hub is
	// created when nil.
	Hub *syncbus.Hub

	GoogleSpreadsheetID      string
	GoogleHistorySheet       string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
}

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	cfg := Config{
		Type:                     BackendType(appConfig.DataBackend),
		StateKey:                 appConfig.StateKey,
		SQLiteDBPath:             appConfig.SQLiteDBPath,
		BadgerPath:               appConfig.BadgerPath,
		Bus:                      BusType(appConfig.SyncBus),
		AMQPURL:                  appConfig.AMQPURL,
		AMQPExchange:             appConfig.AMQPExchange,
		GoogleSpreadsheetID:      appConfig.GoogleSpreadsheetID,
		GoogleHistorySheet:       appConfig.GoogleHistorySheet,
		GoogleServiceAccountJSON: appConfig.GoogleServiceAccountJSON,
		GoogleServiceAccountFile: appConfig.GoogleServiceAccountFile,
	}
	return cfg, cfg.Validate()
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}
	if c.Type == SQLiteBackend && c.SQLiteDBPath == "" {
		return fmt.Errorf("SQLite database path is required for sqlite backend")
	}
	if !c.Bus.IsValid() {
		return fmt.Errorf("invalid sync bus: %s", c.Bus)
	}
	if c.Bus == AMQPBus && c.AMQPURL == "" {
		return fmt.Errorf("AMQP URL is required for amqp sync bus")
	}
	return nil
}
