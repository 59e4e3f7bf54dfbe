package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prxssh/rabbit/internal/logging"
	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/metrics"
	"github.com/prxssh/rabbit/internal/storage"
	"github.com/prxssh/rabbit/internal/torrent"
)

// errUsage marks failures caused by bad input (a missing/malformed torrent
// file, an unreadable download directory) rather than a runtime failure once
// the download was underway. errInterrupted marks a clean shutdown via
// SIGINT/SIGTERM. Both map to distinct process exit codes in main.
var (
	errUsage       = errors.New("usage error")
	errInterrupted = errors.New("interrupted")
)

var cli struct {
	Verbose     bool   `help:"Enable debug logging." short:"v"`
	MetricsAddr string `help:"Address to serve /metrics and /torrents on. Empty disables the server." default:""`

	Download struct {
		Torrent  string `arg:"" help:"Path to a .torrent file." type:"existingfile"`
		Dir      string `help:"Directory to download into. Defaults to the platform download directory." type:"path"`
		Port     uint16 `help:"Port to announce to trackers and accept incoming peer connections on." default:"6881"`
		MaxPeers uint8  `help:"Maximum number of simultaneously connected peers." default:"50"`
	} `cmd:"" help:"Download a torrent, seeding once complete."`

	Verify struct {
		Torrent string `arg:"" help:"Path to a .torrent file." type:"existingfile"`
		Dir     string `help:"Directory holding the downloaded content." type:"path"`
	} `cmd:"" help:"Hash-check a torrent's pieces against files already on disk."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("rabbit"),
		kong.Description("A BitTorrent client."),
		kong.UsageOnError(),
	)

	setupLogger(cli.Verbose)

	var err error
	switch kctx.Command() {
	case "download <torrent>":
		err = runDownload(cli.Download.Torrent, cli.Download.Dir, cli.Download.Port, cli.Download.MaxPeers)
	case "verify <torrent>":
		err = runVerify(cli.Verify.Torrent, cli.Verify.Dir)
	default:
		kctx.PrintUsage(false)
		return
	}

	switch {
	case err == nil:
		return
	case errors.Is(err, errInterrupted):
		slog.Info("interrupted")
		os.Exit(130)
	case errors.Is(err, errUsage):
		slog.Error("command failed", "command", kctx.Command(), "error", err)
		os.Exit(1)
	default:
		slog.Error("command failed", "command", kctx.Command(), "error", err)
		os.Exit(3)
	}
}

func runDownload(torrentPath, dir string, port uint16, maxPeers uint8) error {
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("%w: read torrent file: %w", errUsage, err)
	}

	client, err := torrent.NewClient()
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}

	cfg := client.GetDefaultConfig()
	if dir != "" {
		cfg.Storage.DownloadDir = dir
	}
	cfg.Tracker.Port = port
	cfg.Peer.MaxPeers = maxPeers

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := client.AddTorrent(ctx, data, cfg)
	if err != nil {
		return fmt.Errorf("%w: add torrent: %w", errUsage, err)
	}
	slog.Info("downloading", "name", t.Metainfo.Info.Name, "dir", cfg.Storage.DownloadDir)

	if cli.MetricsAddr != "" {
		go serveMetrics(ctx, client)
	}

	reportProgress(ctx, t)

	<-ctx.Done()
	t.Stop()

	if errors.Is(ctx.Err(), context.Canceled) {
		return errInterrupted
	}
	return nil
}

func runVerify(torrentPath, dir string) error {
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("%w: read torrent file: %w", errUsage, err)
	}

	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		return fmt.Errorf("%w: parse torrent file: %w", errUsage, err)
	}

	storeCfg := storage.WithDefaultConfig()
	if dir != "" {
		storeCfg.DownloadDir = dir
	}

	store, err := storage.NewStorage(mi, storeCfg, slog.Default())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	bf, err := store.ScanResume()
	if err != nil {
		return fmt.Errorf("scan pieces: %w", err)
	}

	total := bf.Len()
	have := bf.Count()
	fmt.Printf("%s: %d/%d pieces verified on disk (%.1f%%)\n",
		mi.Info.Name, have, total, float64(have)/float64(total)*100)

	return nil
}

func reportProgress(ctx context.Context, t *torrent.Torrent) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := t.GetStats()
				slog.Info("progress",
					"progress", fmt.Sprintf("%.1f%%", stats.Progress),
					"peers", stats.TotalPeers,
					"down_rate", stats.DownloadRate,
					"up_rate", stats.UploadRate,
				)
			}
		}
	}()
}

func serveMetrics(ctx context.Context, client *torrent.Client) {
	if _, err := metrics.NewRecorder(client.Snapshots); err != nil {
		slog.Error("failed to start metrics recorder", "error", err)
		return
	}

	srv := metrics.NewServer(slog.Default(), client.Snapshots)

	httpSrv := &http.Server{Addr: cli.MetricsAddr, Handler: srv.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", cli.MetricsAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server stopped", "error", err)
	}
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
