package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/paladugu82/hybridshare/internal/binarycache"
	"github.com/paladugu82/hybridshare/internal/bus"
	"github.com/paladugu82/hybridshare/internal/conflict"
	"github.com/paladugu82/hybridshare/internal/contentcache"
	"github.com/paladugu82/hybridshare/internal/hsconfig"
	"github.com/paladugu82/hybridshare/internal/hybridtree"
	"github.com/paladugu82/hybridshare/internal/localstore"
	"github.com/paladugu82/hybridshare/internal/pathkey"
	"github.com/paladugu82/hybridshare/internal/processor"
	"github.com/paladugu82/hybridshare/internal/queue"
	"github.com/paladugu82/hybridshare/internal/remoteshare"
	"github.com/paladugu82/hybridshare/internal/transport"
)

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// core bundles every wired component cachectl's subcommands operate on.
// Built once in PersistentPreRunE and threaded through the command context.
type core struct {
	cfg  hsconfig.Config
	log  *slog.Logger
	q    *queue.Queue
	ld   *conflict.Ledger
	tree *hybridtree.HybridTree
	proc *processor.Processor
}

type coreKey struct{}

func coreFrom(ctx context.Context) *core {
	c, _ := ctx.Value(coreKey{}).(*core)
	return c
}

func mustCore(ctx context.Context) *core {
	c := coreFrom(ctx)
	if c == nil {
		panic("BUG: core not found in context — command is missing the standard PersistentPreRunE")
	}

	return c
}

func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	switch {
	case flagVerbose:
		level = slog.LevelDebug
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// defaultTempPredicate recognizes common editor/OS shadow files: Office,
// Vim, and Emacs lock/swap files, and macOS/Windows metadata files.
func defaultTempPredicate(name string) bool {
	switch {
	case len(name) >= 2 && name[0] == '~' && name[1] == '$': // Office lock files
		return true
	case len(name) >= 1 && name[len(name)-1] == '~': // Emacs backups
		return true
	case len(name) >= 4 && name[len(name)-4:] == ".swp": // Vim swap files
		return true
	case name == ".DS_Store" || name == "Thumbs.db":
		return true
	default:
		return false
	}
}

// buildCore wires every component together: LocalStore -> RequestQueue ->
// ContentCache/BinaryCache -> RemoteTransport -> RemoteShare -> ShareBus ->
// conflict.Ledger -> HybridTree -> Processor.
func buildCore(ctx context.Context, logger *slog.Logger) (*core, error) {
	cfg, err := hsconfig.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}

	if err := cfg.Paths.EnsureDirs(); err != nil {
		return nil, err
	}

	local, err := localstore.NewDiskStore(cfg.Paths.CacheRoot, cfg.Paths.WorkPath, logger)
	if err != nil {
		return nil, fmt.Errorf("cachectl: opening local store: %w", err)
	}

	limiter := bus.NewEventRateLimiter(0)
	limiter.SetSpacing(bus.SyncFileProgress, time.Second)
	limiter.SetSpacing(bus.DownloadProgress, time.Second)
	limiter.SetSpacing(bus.LongDownload, 30*time.Second)
	b := bus.New(logger, limiter)

	q, err := queue.Open(ctx, cfg.Paths.WorkPath+"/queue.db", b, logger)
	if err != nil {
		return nil, fmt.Errorf("cachectl: opening queue: %w", err)
	}

	content := contentcache.New(cfg.Cache.ContentCacheTTL(), cfg.Cache.AllCacheTTL(), logger)

	binary, err := binarycache.Open(ctx, cfg.Paths.TmpPath, cfg.Cache.BinCacheTTL(), logger)
	if err != nil {
		return nil, fmt.Errorf("cachectl: opening binary cache: %w", err)
	}

	httpTransport := transport.NewHTTPTransport(
		cfg.Transport.MaxSockets, logger,
		transport.WithObserver(b),
		transport.WithRequestsPerSecond(cfg.Transport.RequestsPerSecond),
	)

	creds, err := authCredentials(cfg.Auth)
	if err != nil {
		return nil, err
	}

	remote := remoteshare.New(
		cfg.Remote.BaseURL(), creds, httpTransport,
		content, binary, cfg.Transport.ChunkUploadSize(), logger,
		remoteshare.WithNotifier(b),
	)

	ledger := conflict.New()

	form := pathkey.ParseForm(cfg.Transport.UnicodeNormForm)

	tree := hybridtree.New(local, remote, q, ledger, b, logger, hybridtree.Config{
		Form:                form,
		TempPredicate:       defaultTempPredicate,
		MtimeDrift:          cfg.Processor.MtimeDrift(),
		MergedListingTTL:    cfg.Cache.ContentCacheTTL(),
		AllowNonEmptyDelete: cfg.Cache.AllowNonEmptyDelete,
	})

	proc := processor.New(q, local, remote, b, form, logger, processor.Config{
		Expiration: cfg.Processor.Expiration(),
		MaxRetries: cfg.Processor.MaxRetries,
		RetryDelay: cfg.Processor.RetryDelay(),
		Frequency:  cfg.Processor.Frequency(),
	})

	return &core{cfg: cfg, log: logger, q: q, ld: ledger, tree: tree, proc: proc}, nil
}

func authCredentials(a hsconfig.AuthConfig) (remoteshare.Credentials, error) {
	if a.Bearer != "" {
		return remoteshare.BearerCredentials{Token: a.Bearer}, nil
	}

	return remoteshare.BasicCredentials{User: a.User, Pass: a.Pass}, nil
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cachectl",
		Short:         "Operational CLI for the hybrid cache layer",
		Long:          "Inspects and administers the write-through local cache and deferred-upload queue: queue status, forced purge, cache eviction, and conflict listing.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			c, err := buildCore(cmd.Context(), logger)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), coreKey{}, c))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "/etc/cachectl/config.toml", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newClearCacheCmd())
	cmd.AddCommand(newConflictsCmd())

	return cmd
}
