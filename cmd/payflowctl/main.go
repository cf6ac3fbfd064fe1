// Command payflowctl joins the sync channel as a short-lived peer, applies
// one change to the shared document and exits.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"payflow/internal/cli"
	"payflow/internal/config"
	"payflow/internal/core"
	"payflow/internal/log"
	"payflow/internal/statestore"
)

const defaultTimeout = 15 * time.Second

type app struct {
	cfg      *config.Config
	logger   *log.Logger
	timeout  time.Duration
	logLevel string
	now      func() time.Time
}

func main() {
	ctx, stop := cli.SignalContext(context.Background())
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{now: time.Now}

	root := &cobra.Command{
		Use:           "payflowctl",
		Short:         "Manage recurring payments from the command line",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cli.LoadEnvFile()
			cfg, err := cli.LoadAndValidateConfig()
			if err != nil {
				return fmt.Errorf("configuration: %w", err)
			}
			level := cfg.LogLevel
			if a.logLevel != "" {
				level = a.logLevel
			}
			a.cfg = cfg
			a.logger = cli.SetupLogger(level, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", defaultTimeout, "give up after this long")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(
		newListCmd(a),
		newSummaryCmd(a),
		newAddCmd(a),
		newToggleCmd(a),
		newRemoveCmd(a),
		newThemeCmd(a),
		newCheckCycleCmd(a),
		newResetCmd(a),
		newHistoryCmd(a),
		newAdviceCmd(a),
	)
	return root
}

// withPeer opens a peer, waits for the initial document and hands it to fn.
func (a *app) withPeer(ctx context.Context, fn func(ctx context.Context, peer *cli.Peer, doc core.Document) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	peer, err := cli.OpenPeer(ctx, a.cfg, cli.PeerOptions{Now: a.now}, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := peer.Close(); err != nil {
			a.logger.Warn("Cleanup failed", log.FieldError, err)
		}
	}()

	unsubscribe, err := peer.WaitReady(ctx, nil)
	if err != nil {
		return fmt.Errorf("waiting for state: %w", err)
	}
	defer unsubscribe()

	doc, _ := peer.Store.Current()
	return fn(ctx, peer, doc)
}

// mutate applies one change through a fresh peer.
func (a *app) mutate(ctx context.Context, op string, build func(doc core.Document) (statestore.Mutation, error)) (core.Document, statestore.Receipt, error) {
	var (
		next    core.Document
		receipt statestore.Receipt
	)
	err := a.withPeer(ctx, func(ctx context.Context, peer *cli.Peer, doc core.Document) error {
		mutation, err := build(doc)
		if err != nil {
			return err
		}
		next, receipt, err = peer.Store.Apply(ctx, mutation)
		if err != nil {
			return err
		}
		a.logger.Debug("Mutation applied",
			log.FieldOperation, op,
			log.FieldPersisted, receipt.Persisted,
			log.FieldPublished, receipt.Published)
		return nil
	})
	return next, receipt, err
}
