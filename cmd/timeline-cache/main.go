// Command timeline-cache synchronizes a remote social feed into a local
// cache and serves it to clients over a loopback HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/timeline-cache/credentials"
	"github.com/wolfeidau/timeline-cache/credentials/opprovider"
	"github.com/wolfeidau/timeline-cache/feed"
	"github.com/wolfeidau/timeline-cache/ledger"
	"github.com/wolfeidau/timeline-cache/media"
	"github.com/wolfeidau/timeline-cache/server"
	"github.com/wolfeidau/timeline-cache/store/feeddb"
	"github.com/wolfeidau/timeline-cache/telemetry"
	"github.com/wolfeidau/timeline-cache/timeline"
)

var version = "dev"

var cli struct {
	Address     string `help:"Address to listen on." default:"127.0.0.1:8080"`
	DBPath      string `help:"Path to the database file." default:"./timeline.db" name:"db-path"`
	Instance    string `help:"Base URL of the upstream instance."`
	AccountID   string `help:"Local account identifier." default:"default"`
	AccessToken string `help:"Bearer token for the upstream feed API." env:"TIMELINE_ACCESS_TOKEN"`
	AuthToken   string `help:"Bearer token required by the local API, empty disables auth." env:"TIMELINE_AUTH_TOKEN"`

	CredentialsFile string `help:"Path to a credentials template file, overrides the account flags." type:"existingfile" optional:""`

	MutedAuthors     []string      `help:"Author ids dropped before persistence."`
	PageLimit        int           `help:"Page size requested from the feed." default:"40"`
	WindowSize       int           `help:"Canonical window size for staleness reconciliation." default:"40"`
	FetchConcurrency int           `help:"Parallel attachment downloads per batch." default:"4"`
	MarkerRetention  time.Duration `help:"How long viewed markers are kept." default:"720h"`
	SweepInterval    time.Duration `help:"How often the retention reaper runs." default:"1h"`

	Prometheus   bool   `help:"Enable the Prometheus /metrics endpoint." default:"true" negatable:""`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export, empty disables it." name:"otlp-endpoint"`

	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json"`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("timeline-cache"),
		kong.Description("Local timeline synchronization cache."),
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	logger := newLogger()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "timeline-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	db := feeddb.New(feeddb.WithLogger(logger.With("component", "feeddb")))
	if err := db.Open(cli.DBPath); err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	fetcher := media.New(
		media.NewHTTPFetcher(media.WithHTTPClient(&http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil),
			Timeout:   60 * time.Second,
		})),
		media.WithConcurrency(cli.FetchConcurrency),
		media.WithLogger(logger.With("component", "media")),
	)

	ldg := ledger.New(db,
		ledger.WithRetention(cli.MarkerRetention),
		ledger.WithLogger(logger.With("component", "ledger")),
	)

	sync := timeline.New(db, ldg, fetcher,
		timeline.WithPageLimit(cli.PageLimit),
		timeline.WithWindowSize(cli.WindowSize),
		timeline.WithLogger(logger.With("component", "timeline")),
	)

	accounts, authToken, err := buildAccounts(ctx, logger)
	if err != nil {
		return err
	}

	reaper := feeddb.NewReaper(db, feeddb.ReaperConfig{
		MarkerRetention: cli.MarkerRetention,
		CheckInterval:   cli.SweepInterval,
		Logger:          logger.With("component", "reaper"),
	})

	srv, err := server.New(server.Config{
		Address:   cli.Address,
		AuthToken: authToken,
		Logger:    logger.With("component", "server"),
	}, sync, db, accounts, server.WithReaper(reaper))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"accounts", len(accounts),
		"version", version,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildAccounts assembles the feed accounts to synchronize, either from a
// credentials template file or from the single-account flags.
func buildAccounts(ctx context.Context, logger *slog.Logger) ([]timeline.Account, string, error) {
	if cli.CredentialsFile == "" {
		if cli.Instance == "" {
			return nil, "", fmt.Errorf("either --instance or --credentials-file is required")
		}
		account := newAccount(cli.AccountID, cli.Instance, cli.AccessToken, cli.MutedAuthors, logger)
		return []timeline.Account{account}, cli.AuthToken, nil
	}

	resolver := credentials.NewResolver(
		credentials.WithLogger(logger.With("component", "credentials")),
		opprovider.WithOnePassword(),
	)
	creds, err := resolver.ResolveFile(ctx, cli.CredentialsFile)
	if err != nil {
		return nil, "", fmt.Errorf("resolving credentials: %w", err)
	}
	if len(creds.Accounts) == 0 {
		return nil, "", fmt.Errorf("credentials file %s declares no accounts", cli.CredentialsFile)
	}

	accounts := make([]timeline.Account, 0, len(creds.Accounts))
	for _, ac := range creds.Accounts {
		accounts = append(accounts, newAccount(ac.ID, ac.InstanceURL, ac.AccessToken, ac.MutedAuthors, logger))
	}

	authToken := cli.AuthToken
	if creds.AuthToken != "" {
		authToken = creds.AuthToken
	}

	return accounts, authToken, nil
}

func newAccount(id, instance, token string, mutedAuthors []string, logger *slog.Logger) timeline.Account {
	upstream := feed.NewUpstream(instance,
		feed.WithAccessToken(token),
		feed.WithLogger(logger.With("component", "feed", "account", id)),
	)

	muted := make(map[string]struct{}, len(mutedAuthors))
	for _, author := range mutedAuthors {
		muted[author] = struct{}{}
	}

	return timeline.Account{
		ID:   id,
		Feed: upstream,
		Muted: func(authorID string) bool {
			_, ok := muted[authorID]
			return ok
		},
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	}

	return slog.New(handler)
}
