package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/shadowbox/shadowbox/pkg/blobstore"
	"github.com/shadowbox/shadowbox/pkg/box"
	"github.com/shadowbox/shadowbox/pkg/config"
	"github.com/shadowbox/shadowbox/pkg/discovery"
	"github.com/shadowbox/shadowbox/pkg/index"
	"github.com/shadowbox/shadowbox/pkg/log"
	"github.com/shadowbox/shadowbox/pkg/metrics"
	"github.com/shadowbox/shadowbox/pkg/session"
	"github.com/shadowbox/shadowbox/pkg/shadowerr"
	"github.com/shadowbox/shadowbox/pkg/shareserver"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var (
	configPath  string
	logLevel    string
	logJSON     bool
	metricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "shadowboxd",
	Short:   "ShadowBox daemon - local-first encrypted file boxes with LAN sharing",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("shadowboxd version %s (%s)\n", Version, Commit))

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to shadowbox.yaml (defaults to ~/.shadowbox/shadowbox.yaml)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (empty disables it)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	idx, err := index.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open metadata index: %w", err)
	}
	defer idx.Close()

	blobs, err := blobstore.Open(cfg.StorageRoot)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	sessions := session.NewManager(time.Duration(cfg.AutoLockMinutes) * time.Minute)
	defer sessions.Stop()
	// Registered before the sharing defers below, so it runs after them.
	defer sessions.LockAll()

	engine := box.New(idx, blobs, sessions, cfg.MaxFileSize)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	boxes, err := engine.ListBoxes(ctx)
	if err != nil {
		return fmt.Errorf("list boxes: %w", err)
	}
	metrics.BoxesTotal.Set(float64(len(boxes)))

	// The Discovery Service's Browser side runs for the daemon's whole
	// lifetime, so an eventual Resolve call always has a warm peer cache to
	// answer from instead of standing up a fresh listener per pull.
	browser, err := discovery.Browse(ctx)
	if err != nil {
		return fmt.Errorf("start discovery browser: %w", err)
	}
	defer browser.Stop()
	go drainDiscoveryEvents(browser)

	advertiser, shareSrv, err := startSharing(ctx, cfg, engine)
	if err != nil {
		return fmt.Errorf("start sharing: %w", err)
	}
	if advertiser != nil {
		defer advertiser.Stop()
	}
	if shareSrv != nil {
		defer shareSrv.Close()
	}

	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			log.Logger.Info().Str("addr", metricsAddr).Msg("serving metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	log.Logger.Info().Str("storage_root", cfg.StorageRoot).Str("db_path", cfg.DBPath).Msg("shadowboxd started")

	<-ctx.Done()
	log.Logger.Info().Msg("shadowboxd shutting down")

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	return nil
}

// startSharing opens and advertises the Box named by cfg.Share, if
// configured, returning the Advertiser and Share Server so the caller can
// shut them down on exit. It returns (nil, nil, nil) when sharing isn't
// configured.
func startSharing(ctx context.Context, cfg *config.Config, engine *box.Engine) (*discovery.Advertiser, *shareserver.Server, error) {
	if cfg.Share == nil {
		return nil, nil, nil
	}

	if err := engine.OpenBox(ctx, cfg.Share.BoxID, cfg.Share.Password); err != nil {
		return nil, nil, fmt.Errorf("open share box %s: %w", cfg.Share.BoxID, err)
	}

	boxes, err := engine.ListBoxes(ctx)
	if err != nil {
		return nil, nil, err
	}
	var isPublic bool
	var boxName string
	for _, b := range boxes {
		if b.ID == cfg.Share.BoxID {
			isPublic = b.IsPublic
			boxName = b.Name
			break
		}
	}

	code, err := discovery.NewCode()
	if err != nil {
		return nil, nil, err
	}

	srv := shareserver.New(engine, cfg.Share.BoxID, code, isPublic, cfg.Share.Selection)
	addr := fmt.Sprintf(":%d", cfg.SharePort)
	boundAddr, err := srv.Listen(addr)
	if err != nil {
		return nil, nil, err
	}
	_, portStr, err := net.SplitHostPort(boundAddr)
	if err != nil {
		return nil, nil, shadowerr.Wrap(shadowerr.IOError, "parse bound share server address", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, nil, shadowerr.Wrap(shadowerr.IOError, "parse bound share server port", err)
	}

	go func() {
		if err := srv.Serve(ctx); err != nil {
			log.Logger.Error().Err(err).Msg("share server: serve loop exited")
		}
	}()

	adv, err := discovery.Advertise(ctx, code, boxName, isPublic, port)
	if err != nil {
		_ = srv.Close()
		return nil, nil, err
	}

	log.Logger.Info().Str("box_id", cfg.Share.BoxID).Str("code", code).Str("addr", boundAddr).Msg("sharing box on the LAN")
	return adv, srv, nil
}

func drainDiscoveryEvents(b *discovery.Browser) {
	for ev := range b.Events() {
		log.Logger.Debug().Str("code", ev.Code).Int("kind", int(ev.Kind)).Msg("discovery: peer event")
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	dataDir := filepath.Join(home, ".shadowbox")
	defaultPath := filepath.Join(dataDir, "shadowbox.yaml")

	if _, statErr := os.Stat(defaultPath); statErr == nil {
		return config.Load(defaultPath)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return config.Default(dataDir), nil
}
