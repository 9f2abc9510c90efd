package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"voxelmap.ai/internal/broadcast"
	"voxelmap.ai/internal/config"
	"voxelmap.ai/internal/persistence/editlog"
	"voxelmap.ai/internal/persistence/indexdb"
	"voxelmap.ai/internal/persistence/regionsnap"
	"voxelmap.ai/internal/runner"
	"voxelmap.ai/internal/transport/gateway"
	"voxelmap.ai/internal/transport/ws"
	"voxelmap.ai/internal/world"
)

const logFlags = log.LstdFlags | log.Lmicroseconds

func main() {
	var (
		configPath = flag.String("config", "./configs/mapd.yaml", "path to mapd.yaml (empty: defaults + VM_* env)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides data_dir)")
		upgrade    = flag.String("upgrade", "", "upgrade mode: proxy or inprocess (overrides gateway.upgrade_mode)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", logFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if d := strings.TrimSpace(*dataDir); d != "" {
		cfg.DataDir = d
		cfg.TilesDir = filepath.Join(d, "tiles")
	}
	if u := strings.TrimSpace(*upgrade); u != "" {
		cfg.Gateway.UpgradeMode = strings.ToLower(u)
		if err := cfg.Validate(); err != nil {
			logger.Fatalf("config: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("%v", err)
	}
	logger.Printf("stopped")
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	w := world.New()

	hub := broadcast.NewHub(broadcast.Options{
		QueueSize:       cfg.Hub.QueueSize,
		EvictAfterDrops: cfg.Hub.EvictAfterDrops,
		Logger:          log.New(os.Stdout, "[hub] ", logFlags),
	})
	hub.Start()

	var journal *indexdb.SQLiteIndex
	if cfg.Store.ScanJournal {
		idx, err := indexdb.OpenSQLite(cfg.JournalPath())
		if err != nil {
			hub.Stop()
			return fmt.Errorf("open scan journal: %w", err)
		}
		journal = idx
	}
	var snaps *regionsnap.Store
	if cfg.Store.RegionSnapshots {
		snaps = &regionsnap.Store{Dir: cfg.SnapshotDir()}
	}
	var edits *editlog.EditLog
	if cfg.Store.EditLog {
		edits = editlog.Open(cfg.DataDir)
	}

	runners := newRunners(cfg, w, hub, journal, snaps, log.New(os.Stdout, "[scan] ", logFlags))

	updates := ws.NewServer(hub, log.New(os.Stdout, "[updates] ", logFlags)).Handler()
	deps := backendDeps{
		World:    w,
		Runners:  runners,
		Hub:      hub,
		Journal:  journal,
		Edits:    edits,
		Updates:  updates,
		TilesDir: cfg.TilesDir,
		Logger:   logger,
		Mapper:   cfg.Mapper(),
		Layers:   levelLayers(cfg),
	}
	backendSrv := &http.Server{Handler: newBackendMux(deps), ReadHeaderTimeout: 5 * time.Second}
	adminSrv := &http.Server{Handler: newAdminMux(deps), ReadHeaderTimeout: 5 * time.Second}
	backendLn, err := net.Listen("tcp", cfg.HTTPAddr())
	if err != nil {
		hub.Stop()
		_ = journal.Close()
		return fmt.Errorf("listen http backend: %w", err)
	}
	adminLn, err := net.Listen("tcp", cfg.AdminAddr())
	if err != nil {
		_ = backendLn.Close()
		hub.Stop()
		_ = journal.Close()
		return fmt.Errorf("listen admin: %w", err)
	}

	var (
		upgradeHandler gateway.UpgradeHandler
		updatesSrv     *http.Server
		updatesLn      net.Listener
	)
	gwLog := log.New(os.Stdout, "[gateway] ", logFlags)
	switch cfg.Gateway.UpgradeMode {
	case config.UpgradeInProcess:
		upgradeHandler = &gateway.InProcessUpgrade{Handler: updates, Logger: gwLog}
	default:
		updatesSrv = &http.Server{Handler: updates, ReadHeaderTimeout: 5 * time.Second}
		updatesLn, err = net.Listen("tcp", cfg.UpdatesAddr())
		if err != nil {
			_ = backendLn.Close()
			_ = adminLn.Close()
			hub.Stop()
			_ = journal.Close()
			return fmt.Errorf("listen update channel: %w", err)
		}
		upgradeHandler = &gateway.ProxyUpgrade{Addr: cfg.UpdatesAddr(), DialTimeout: cfg.Gateway.DialTimeout, Logger: gwLog}
	}

	gw := gateway.New(gateway.Config{
		Addr:            cfg.PublicAddr(),
		HTTPBackend:     cfg.HTTPAddr(),
		ClassifyTimeout: cfg.Gateway.ClassifyTimeout,
		DialTimeout:     cfg.Gateway.DialTimeout,
		MaxHeaderBytes:  cfg.Gateway.MaxHeaderBytes,
	}, upgradeHandler, gwLog)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(backendSrv, backendLn) })
	g.Go(func() error { return serve(adminSrv, adminLn) })
	if updatesSrv != nil {
		g.Go(func() error { return serve(updatesSrv, updatesLn) })
	}
	if err := gw.Start(); err != nil {
		// Let the servers unwind before reporting.
		_ = backendSrv.Close()
		_ = adminSrv.Close()
		if updatesSrv != nil {
			_ = updatesSrv.Close()
		}
		_ = g.Wait()
		hub.Stop()
		_ = journal.Close()
		return fmt.Errorf("listen public: %w", err)
	}
	logger.Printf("public %s (upgrade=%s) http=%s updates=%s admin=%s", gw.Addr(), cfg.Gateway.UpgradeMode, cfg.HTTPAddr(), cfg.UpdatesAddr(), cfg.AdminAddr())

	for _, r := range runners {
		r.Start()
	}
	if err := loadLevels(cfg, w); err != nil {
		logger.Printf("load levels: %v", err)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Printf("shutting down")

		_ = gw.Stop()
		for _, r := range runners {
			r.Stop()
		}
		hub.Stop()

		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = backendSrv.Shutdown(sctx)
		_ = adminSrv.Shutdown(sctx)
		if updatesSrv != nil {
			_ = updatesSrv.Shutdown(sctx)
		}
		if err := journal.Close(); err != nil {
			logger.Printf("close scan journal: %v", err)
		}
		if err := edits.Close(); err != nil {
			logger.Printf("close edit log: %v", err)
		}
		return nil
	})
	return g.Wait()
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", ln.Addr(), err)
	}
	return nil
}

func newRunners(cfg config.Config, w *world.World, hub *broadcast.Hub, journal *indexdb.SQLiteIndex, snaps *regionsnap.Store, logger *log.Logger) []*runner.LevelRunner {
	out := make([]*runner.LevelRunner, 0, len(cfg.Levels))
	for _, l := range cfg.Levels {
		det := newDetector(cfg, l, snaps, logger)
		opts := []runner.Option{runner.WithLogger(logger)}
		if journal != nil {
			opts = append(opts, runner.WithJournal(journal))
		}
		if snaps != nil {
			opts = append(opts, runner.WithSnapshots(snaps))
		}
		out = append(out, runner.New(runner.Config{
			LevelID:       l.ID,
			Interval:      cfg.Scan.Interval,
			ScanRadius:    cfg.Scan.Radius,
			BulkRadius:    cfg.Scan.BulkRadius,
			BatchSize:     cfg.Scan.BatchSize,
			CoalesceTiles: cfg.Scan.CoalesceTiles,
			SnapshotEvery: cfg.Store.SnapshotEvery,
			Meta:          cfg.MapMeta(),
		}, w, det, hub, opts...))
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
