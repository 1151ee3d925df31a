package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/orian/sheetsmith/cache"
	"github.com/orian/sheetsmith/config"
	"github.com/orian/sheetsmith/events"
	"github.com/orian/sheetsmith/logger"
	"github.com/orian/sheetsmith/materialize"
	"github.com/orian/sheetsmith/patch"
	"github.com/orian/sheetsmith/registry"
	"github.com/orian/sheetsmith/schema"
	"github.com/orian/sheetsmith/search"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries what every subcommand shares.
type cli struct {
	v   *viper.Viper
	cfg *config.Config
	log *logger.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}
	root := &cobra.Command{
		Use:           "sheetsmith",
		Short:         "Serve game data sheets reconstructed from patch chains",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.v, cmd.Flags())
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			c.cfg, c.log = cfg, log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.log != nil {
				c.log.Sync()
			}
		},
	}
	config.Flags(root.PersistentFlags())

	root.AddCommand(
		c.serveCommand(),
		c.versionsCommand(),
		c.pollCommand(),
		c.pruneCommand(),
		c.configCommand(),
		c.packCommand(),
	)
	return root
}

// app is the fully wired service.
type app struct {
	storage  *DuckDBStorage
	patches  *patch.Store
	versions *materialize.Materializer
	pool     *cache.Pool
	indexes  *search.Store
	sink     events.Sink
	registry *registry.Registry
	upstream patch.Source
	log      *logger.Logger
}

func openApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.storage, err = NewDuckDBStorage(cfg.Version.Metadata, log)
	if err != nil {
		return nil, err
	}
	log.Info("metadata storage opened", "path", cfg.Version.Metadata)

	a.patches, err = patch.Open(patch.Options{
		Directory:      cfg.Patch.Directory,
		Concurrency:    cfg.Patch.Concurrency,
		VerifyAttempts: cfg.Patch.VerifyAttempts,
		RetryMax:       cfg.Patch.RetryMax,
		Timeout:        cfg.Patch.Timeout,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("open patch store: %w", err)
	}

	a.versions, err = materialize.New(materialize.Options{
		Directory:   cfg.Version.Directory,
		Prefetch:    cfg.Version.Prefetch,
		LockTimeout: cfg.Version.LockTimeout,
		Logger:      log,
	}, a.patches)
	if err != nil {
		return nil, fmt.Errorf("open versions: %w", err)
	}

	var sources []schema.Source
	for _, sc := range cfg.Schema.Sources {
		src, err := schema.OpenGit(ctx, schema.GitOptions{
			Name:         sc.Name,
			Remote:       sc.Remote,
			Path:         sc.Path,
			Directory:    cfg.Schema.Directory,
			FetchTimeout: cfg.Schema.FetchTimeout,
			Logger:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("open schema source %s: %w", sc.Name, err)
		}
		sources = append(sources, src)
	}
	schemas, err := schema.NewProvider(schema.Options{
		Default:            cfg.Schema.Default,
		DefaultRef:         cfg.Schema.DefaultRef,
		VersionRefTemplate: cfg.Schema.VersionRefTemplate,
		CacheSize:          cfg.Cache.Schemas,
		Logger:             log,
	}, sources...)
	if err != nil {
		return nil, err
	}

	a.pool, err = cache.NewPool(cfg.Cache.Handles, cfg.Cache.QueryConcurrency)
	if err != nil {
		return nil, err
	}
	a.indexes, err = search.Open(search.Options{
		Directory:  cfg.Search.Directory,
		PageSize:   cfg.Search.PageSize,
		BatchSize:  cfg.Search.BatchSize,
		RetryDelay: cfg.Search.RetryDelay,
		Logger:     log,
	}, a.versions, schemas, a.pool)
	if err != nil {
		return nil, fmt.Errorf("open search store: %w", err)
	}

	sinks := events.Tee{events.NewLogSink(log)}
	if ch := cfg.Events.ClickHouse; ch.Addr != "" {
		batch, err := events.OpenClickHouse(ctx, events.ClickHouseOptions{
			Addr:          ch.Addr,
			Database:      ch.Database,
			Username:      ch.Username,
			Password:      ch.Password,
			Table:         ch.Table,
			BatchSize:     ch.BatchSize,
			FlushInterval: ch.FlushInterval,
			Logger:        log,
		})
		if err != nil {
			// Events are advisory; the service runs without the sink.
			log.Warn("clickhouse event sink disabled", "addr", ch.Addr, "error", err)
		} else {
			sinks = append(sinks, batch)
		}
	}
	a.sink = sinks

	if cfg.Upstream.Endpoint != "" {
		a.upstream = patch.NewHTTPSource(cfg.Upstream.Endpoint, cfg.Upstream.Timeout, overrides(cfg.Upstream.Overrides), log)
	}

	a.registry, err = registry.Open(registry.Options{
		DefaultVersion:   cfg.Version.Default,
		Repositories:     cfg.Upstream.Repositories,
		PollInterval:     cfg.Upstream.Interval,
		ProvisionRetries: cfg.Version.ProvisionRetries,
		DefaultSchema:    cfg.Schema.Default,
		AutoBuild:        cfg.Search.AutoBuild,
		PageRows:         cfg.Cache.PageRows,
		PageCache:        cfg.Cache.Pages,
		Logger:           log,
	}, registry.Deps{
		Storage:  a.storage,
		Patches:  a.patches,
		Versions: a.versions,
		Schemas:  schemas,
		Indexes:  a.indexes,
		Upstream: a.upstream,
		Events:   a.sink,
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	return a, nil
}

func overrides(list []config.OverrideConfig) map[string]map[string]string {
	if len(list) == 0 {
		return nil
	}
	out := make(map[string]map[string]string)
	for _, o := range list {
		if out[o.Repository] == nil {
			out[o.Repository] = make(map[string]string)
		}
		out[o.Repository][o.Version] = o.Next
	}
	return out
}

// Close releases everything in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
	}
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	if a.indexes != nil {
		errs = append(errs, a.indexes.Close())
	}
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	if a.versions != nil {
		errs = append(errs, a.versions.Close())
	}
	if a.storage != nil {
		errs = append(errs, a.storage.Close())
	}
	return errors.Join(errs...)
}

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the upstream poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.upstream != nil {
				go a.registry.Run(ctx)
			} else {
				c.log.Info("upstream polling disabled")
			}

			srv := &http.Server{
				Addr:    c.cfg.HTTP.Addr,
				Handler: NewServer(a.registry, a.storage, c.log).Routes(),
			}
			errc := make(chan error, 1)
			go func() {
				c.log.Info("starting server", "addr", c.cfg.HTTP.Addr)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			c.log.Info("shutting down", "timeout", c.cfg.HTTP.ShutdownTimeout)
			sctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		},
	}
}

func (c *cli) versionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List known versions and their names",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := NewDuckDBStorage(c.cfg.Version.Metadata, c.log)
			if err != nil {
				return err
			}
			defer storage.Close()

			versions, err := storage.ListVersions()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSTATE\tGAME VERSION\tPATCHES\tGENERATION\tNAMES\tUPDATED")
			for _, v := range versions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%v\t%s\n",
					v.Key, v.State, v.GameVersion(), len(v.Chain), v.Generation, v.Names, humanize.Time(v.UpdatedAt))
			}
			return w.Flush()
		},
	}
}

func (c *cli) pollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Check the upstream once and provision the newest chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.Close()

			v, err := a.registry.Poll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %d patches)\n", v.Key, v.State, v.GameVersion(), len(v.Chain))
			return nil
		},
	}
}

func (c *cli) pruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete patch files no version references",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.registry.PruneAssets()
			if err != nil {
				return err
			}
			for _, p := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			c.log.Info("pruned patch files", "count", humanize.Comma(int64(len(removed))))
			return nil
		},
	}
}

func (c *cli) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := c.v.AllSettings()
			if ev, ok := settings["events"].(map[string]any); ok {
				if ch, ok := ev["clickhouse"].(map[string]any); ok && ch["password"] != "" {
					ch["password"] = "<redacted>"
				}
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(settings); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
