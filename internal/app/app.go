package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"treasury-agent/internal/agent"
	"treasury-agent/internal/allocation"
	"treasury-agent/internal/chain"
	"treasury-agent/internal/config"
	"treasury-agent/internal/discovery"
	"treasury-agent/internal/gate"
	"treasury-agent/internal/history"
	"treasury-agent/internal/notify"
	"treasury-agent/internal/scoring"
	"treasury-agent/internal/server"
	"treasury-agent/internal/store"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// openRepository selects the persistence backend. A configured postgres DSN
// wins over the file store.
func (a *App) openRepository(ctx context.Context) (store.Repository, func(), error) {
	if a.Config.Store.PostgresDSN != "" {
		pool, err := store.NewPostgresPool(ctx, a.Config.Store)
		if err != nil {
			return nil, nil, err
		}
		repo, err := store.NewPostgresRepository(ctx, pool, a.Logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo, pool.Close, nil
	}

	repo, err := store.NewFileRepository(a.Config.Store.Path, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return repo, func() {}, nil
}

func (a *App) newOracle() *history.Oracle {
	return history.NewOracle(history.Options{
		BaseURL:   a.Config.Index.BaseURL,
		DAOID:     a.Config.Index.DAOID,
		PageSize:  a.Config.Index.PageSize,
		Timeout:   a.Config.Index.RequestTimeout,
		UserAgent: a.Config.Index.UserAgent,
	}, history.LabeledCodec{}, a.Logger)
}

func (a *App) newReader() *chain.Reader {
	return chain.NewReader(chain.ReaderOptions{
		RPCURL:          a.Config.Ethereum.RPCURL,
		GovernorAddress: a.Config.Ethereum.GovernorAddress,
		TreasuryAddress: a.Config.Ethereum.TreasuryAddress,
		Timeout:         a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
}

func (a *App) newSubmitter() *chain.RelayerSubmitter {
	return chain.NewRelayerSubmitter(chain.SubmitterOptions{
		RelayerURL:      a.Config.Ethereum.RelayerURL,
		RelayerAPIKey:   a.Config.Ethereum.RelayerAPIKey,
		GovernorAddress: a.Config.Ethereum.GovernorAddress,
		TreasuryAddress: a.Config.Ethereum.TreasuryAddress,
		Timeout:         a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
}

func (a *App) newScorer() (scoring.Scorer, error) {
	return scoring.NewOpenAIScorer(scoring.Options{
		APIKey:  a.Config.Scoring.APIKey,
		Model:   a.Config.Scoring.Model,
		Timeout: a.Config.Scoring.RequestTimeout,
	}, a.Logger)
}

func (a *App) newDiscovery() *discovery.Client {
	return discovery.NewClient(discovery.Options{
		BaseURL: a.Config.Discovery.BaseURL,
		Timeout: a.Config.Discovery.RequestTimeout,
	}, a.Logger)
}

func (a *App) newAllocator(reader *chain.Reader, oracle *history.Oracle) *allocation.Calculator {
	return allocation.NewCalculator(allocation.Options{
		Percent:   decimal.NewFromFloat(a.Config.Allocation.Percent),
		Min:       decimal.NewFromFloat(a.Config.Allocation.MinETH),
		Max:       decimal.NewFromFloat(a.Config.Allocation.MaxETH),
		Default:   decimal.NewFromFloat(a.Config.Allocation.DefaultETH),
		Precision: a.Config.Allocation.Precision,
	}, reader, oracle, a.Logger)
}

func (a *App) newNotifier() notify.Notifier {
	if a.Config.Notify.Telegram.Enabled {
		cfg := a.Config.Notify.Telegram
		return notify.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newGate(repo store.Repository) (*gate.Gate, error) {
	scorer, err := a.newScorer()
	if err != nil {
		return nil, err
	}
	return gate.New(gate.Options{
		DuplicateWindow:  a.Config.Agent.DuplicateWindow,
		DefaultThreshold: a.Config.Scoring.ConfidenceThreshold,
	}, a.newDiscovery(), a.newOracle(), a.newReader(), scorer, repo, a.Logger), nil
}

// Tick runs one scheduled agent pass. The process exits after one pass;
// external scheduling (cron, systemd timers) drives the cadence.
func (a *App) Tick(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	scorer, err := a.newScorer()
	if err != nil {
		return err
	}

	reader := a.newReader()
	oracle := a.newOracle()

	// The file backend guards itself with a lock file; the postgres backend
	// gets a pg advisory lock so concurrent runners on other hosts skip.
	var locker agent.AdvisoryLocker
	var lockKey int64
	if pg, ok := repo.(*store.PostgresRepository); ok {
		locker = pg
		lockKey = a.Config.Store.AdvisoryLockKey
	}

	ag := agent.New(agent.Options{
		Cooldown:               a.Config.Agent.Cooldown,
		DuplicateWindow:        a.Config.Agent.DuplicateWindow,
		ReclaimProcessingAfter: a.Config.Agent.ReclaimProcessingAfter,
		MaxBatch:               a.Config.Discovery.MaxBatch,
		ConfidenceThreshold:    a.Config.Scoring.ConfidenceThreshold,
		LockKey:                lockKey,
	},
		repo,
		locker,
		a.newAllocator(reader, oracle),
		a.newSubmitter(),
		oracle,
		a.newDiscovery(),
		reader,
		scorer,
		history.LabeledCodec{},
		a.newNotifier(),
		a.Logger,
	)

	a.Logger.Info().Msg("running agent tick")
	if err := ag.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("agent tick failed")
		return err
	}
	return nil
}

// Serve runs the HTTP API until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	g, err := a.newGate(repo)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		ListenAddr:      a.Config.Server.ListenAddr,
		ShutdownTimeout: a.Config.Server.ShutdownTimeout,
		Environment:     a.Config.App.Environment,
	}, g, repo, a.Logger)

	err = srv.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("http server terminated with error")
		return err
	}

	a.Logger.Info().Msg("http server stopped")
	return nil
}

// AnalyzeOptions configure a one-off CLI analysis.
type AnalyzeOptions struct {
	Identifier string
	// Threshold is nil when not given on the command line; zero is a legal
	// explicit override.
	Threshold   *float64
	SubmitterID string
}

// Analyze evaluates one asset from the command line and prints the decision
// as JSON. The asset may enter the queue; nothing is submitted on-chain.
func (a *App) Analyze(ctx context.Context, opts AnalyzeOptions) error {
	if opts.Identifier == "" {
		return errors.New("an asset address or handle is required")
	}

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	g, err := a.newGate(repo)
	if err != nil {
		return err
	}

	decision, err := g.Evaluate(ctx, gate.Request{
		Identifier:  opts.Identifier,
		Threshold:   opts.Threshold,
		Source:      store.SourceUser,
		SubmitterID: opts.SubmitterID,
	})
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(encoded))
	return nil
}

// QueueOptions configure the queue listing command.
type QueueOptions struct {
	Status string
}

// ExportOptions hold parameters for exporting suggestion records.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
