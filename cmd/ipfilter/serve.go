package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/ipfilter/internal/blocklist"
	"github.com/tunnelmesh/ipfilter/internal/config"
	"github.com/tunnelmesh/ipfilter/internal/control"
	"github.com/tunnelmesh/ipfilter/internal/dns"
	"github.com/tunnelmesh/ipfilter/internal/ipfilter"
	"github.com/tunnelmesh/ipfilter/internal/metrics"
	"github.com/tunnelmesh/ipfilter/internal/rulestore"
	"github.com/tunnelmesh/ipfilter/internal/session"
)

const metricsInterval = 15 * time.Second

func newServeCmd() *cobra.Command {
	var announceInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session daemon",
		Long: `Run the session daemon.

The daemon loads the IP filter from the persisted rule set (when ip_filter.persist
is on and a saved rule set exists) or from the configured blocklists and rules,
adds the configured torrents, and serves the control socket. Tracker endpoints
are re-checked against the filter every --announce-interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if announceInterval <= 0 {
				return fmt.Errorf("--announce-interval must be positive")
			}
			cfg, err := loadServeConfig(cfgFile, !cmd.Flags().Changed("log-level"))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				log.Info().Msg("shutting down...")
				cancel()
			}()

			return runServe(ctx, cfg, announceInterval)
		},
	}

	cmd.Flags().DurationVar(&announceInterval, "announce-interval", 30*time.Minute, "interval between tracker announces")

	return cmd
}

// loadServeConfig reads the config file, or the defaults when path is empty.
func loadServeConfig(path string, applyLogLevel bool) (*config.SessionConfig, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadSessionConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if applyLogLevel {
		config.ApplyLogLevel(cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// daemon wires the session to its storage and control surfaces.
type daemon struct {
	cfg     *config.SessionConfig
	session *session.Session
	store   *rulestore.Store
	metrics *metrics.SessionMetrics
}

func newDaemon(cfg *config.SessionConfig, m *metrics.SessionMetrics) (*daemon, error) {
	sessCfg := session.Config{
		Name:      cfg.Name,
		Announcer: logAnnouncer{},
		Metrics:   m,
	}
	if cfg.Resolver.Nameserver != "" {
		sessCfg.Resolver = dns.NewResolver(cfg.Resolver.Nameserver, cfg.Resolver.TimeoutDuration())
	}

	d := &daemon{
		cfg:     cfg,
		session: session.New(sessCfg),
		metrics: m,
	}

	if err := d.loadFilter(); err != nil {
		d.close()
		return nil, err
	}

	for _, tc := range cfg.Torrents {
		t, err := d.session.AddTorrent(session.AddTorrentParams{
			InfoHash:     tc.InfoHash,
			Name:         tc.Name,
			Trackers:     tc.Trackers,
			SkipIPFilter: !tc.IsApplyIPFilter(),
		})
		if err != nil {
			d.close()
			return nil, fmt.Errorf("add torrent %q: %w", tc.Name, err)
		}
		log.Debug().Str("torrent", t.ID()).Str("name", tc.Name).Msg("configured torrent added")
	}

	return d, nil
}

// loadFilter installs the startup rule set. A saved rule set wins over the
// config because it carries every change made over the control socket.
func (d *daemon) loadFilter() error {
	if d.cfg.IPFilter.Persist {
		store, err := rulestore.New(d.cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open rule store: %w", err)
		}
		d.store = store

		saved, err := store.Load()
		if err != nil {
			return fmt.Errorf("load saved rules: %w", err)
		}
		if saved != nil {
			log.Info().
				Str("path", store.Path()).
				Int("ranges", len(saved)).
				Msg("restoring saved ip filter")
			return d.session.IPFilter().Replace(saved)
		}
	}

	f := ipfilter.New()
	for _, path := range d.cfg.IPFilter.Blocklists {
		n, err := blocklist.LoadFile(path, f)
		if err != nil {
			return err
		}
		log.Info().Str("path", path).Int("rules", n).Msg("blocklist loaded")
	}
	for i, rc := range d.cfg.IPFilter.Rules {
		r, err := rc.Parse()
		if err != nil {
			return fmt.Errorf("ip_filter.rules[%d]: %w", i, err)
		}
		if err := f.AddRange(r); err != nil {
			return fmt.Errorf("ip_filter.rules[%d]: %w", i, err)
		}
	}
	return d.session.SetIPFilter(f)
}

// saveFilter persists the current rule set when persistence is enabled.
func (d *daemon) saveFilter() {
	if d.store == nil {
		return
	}
	if err := d.store.Save(d.session.IPFilter().ExportRules()); err != nil {
		log.Error().Err(err).Msg("failed to save ip filter")
		return
	}
	log.Debug().Str("path", d.store.Path()).Msg("ip filter saved")
}

// announceAll runs one announce round for every torrent.
func (d *daemon) announceAll(ctx context.Context) {
	for _, t := range d.session.Torrents() {
		if err := t.Announce(ctx); err != nil {
			log.Warn().Err(err).Str("torrent", t.ID()).Msg("announce round incomplete")
		}
	}
}

func (d *daemon) close() {
	_ = d.session.Close()
	if d.store != nil {
		_ = d.store.Close()
	}
}

func runServe(ctx context.Context, cfg *config.SessionConfig, announceInterval time.Duration) error {
	var m *metrics.SessionMetrics
	if cfg.Metrics.Enabled {
		m = metrics.InitMetrics(cfg.Name)
	}

	d, err := newDaemon(cfg, m)
	if err != nil {
		return err
	}
	defer d.close()

	ctrl := control.NewServer(cfg.Control.Socket, d.session)
	ctrl.SetFilterChangedHandler(d.saveFilter)
	if err := ctrl.Start(); err != nil {
		return err
	}
	defer func() { _ = ctrl.Stop() }()

	if m != nil {
		collector := metrics.NewCollector(m, d.session.IPFilter(), d.session)
		go collector.Run(ctx, metricsInterval)

		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("listen", cfg.Metrics.Listen).Msg("metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info().
		Str("session", cfg.Name).
		Str("version", Version).
		Int("torrents", d.session.TorrentCount()).
		Int("ranges", d.session.IPFilter().RuleCount()).
		Msg("session started")

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	d.announceAll(ctx)
	for {
		select {
		case <-ctx.Done():
			d.saveFilter()
			return nil
		case <-ticker.C:
			d.announceAll(ctx)
		}
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// logAnnouncer records admitted tracker endpoints. The tracker wire
// protocol belongs to the torrent client embedding the session.
type logAnnouncer struct{}

func (logAnnouncer) Announce(_ context.Context, ep session.TrackerEndpoint) error {
	log.Debug().
		Str("tracker", ep.Tracker).
		Str("addr", ep.Addr.String()).
		Msg("tracker endpoint admitted")
	return nil
}
