package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/taxflow/internal/commodity"
	"github.com/Veraticus/taxflow/internal/config"
	"github.com/Veraticus/taxflow/internal/engine"
	"github.com/Veraticus/taxflow/internal/feedback"
	"github.com/Veraticus/taxflow/internal/llm"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/storage"
	"github.com/Veraticus/taxflow/internal/taxcode"
)

// initStorage opens the configured database and applies pending migrations.
func initStorage(ctx context.Context, settings *config.Settings) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(settings.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// app is a fully wired pipeline for one command invocation.
type app struct {
	settings *config.Settings
	store    *storage.SQLiteStorage
	gateway  *llm.Gateway
	orch     *engine.Orchestrator
}

func loadSettings() (*config.Settings, error) {
	return config.Load(viper.GetViper())
}

// openApp wires storage, the language model gateway, both agents, and the orchestrator.
func openApp(ctx context.Context, opts ...engine.Option) (*app, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	store, err := initStorage(ctx, settings)
	if err != nil {
		return nil, err
	}
	a := &app{settings: settings, store: store}

	var client llm.Client
	if settings.LLMEnabled() {
		a.gateway, err = llm.New(settings.LLM, slog.Default())
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		client = a.gateway
	} else {
		slog.Info("no language model configured, running rules only")
	}

	set := feedback.NewSet(store, slog.Default())
	cfg := engine.DefaultConfig()
	cfg.Abbreviations = settings.Abbreviations
	cfg.Aggregation = settings.Aggregation
	cfg.Workers = settings.Engine.Workers
	cfg.PauseAfterFailures = settings.Engine.PauseAfterFailures
	cfg.PauseDuration = settings.Engine.PauseDuration

	opts = append([]engine.Option{engine.WithLogger(slog.Default())}, opts...)
	a.orch, err = engine.New(engine.Dependencies{
		Store:     store,
		Knowledge: store,
		Commodity: commodity.NewAgent(store, client, set, slog.Default()),
		Tax:       taxcode.NewAgent(store, slog.Default(), taxcode.WithConsistencyFloor(settings.TaxConsistencyFloor)),
		Feedback:  set,
	}, cfg, opts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// strategy resolves a configured strategy, forcing rules-only without a language model.
func (a *app) strategy(name string) (model.Strategy, error) {
	st, err := a.settings.Strategy(name)
	if err != nil {
		return st, err
	}
	if !a.settings.LLMEnabled() {
		st.RulesOnly = true
	}
	return st, nil
}

func (a *app) Close() error {
	if a.gateway != nil {
		if err := a.gateway.Close(); err != nil {
			slog.Warn("failed to close language model gateway", "error", err)
		}
	}
	return a.store.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// status writes a progress or outcome line to stderr so stdout carries only
// command output.
func status(cmd *cobra.Command, a ...any) {
	_, _ = fmt.Fprintln(cmd.ErrOrStderr(), a...)
}

func statusf(cmd *cobra.Command, format string, a ...any) {
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), format, a...)
}

func formatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
