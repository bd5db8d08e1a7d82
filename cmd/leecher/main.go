// Command leecher drives one torrent download end to end: parse a
// .torrent file, announce to its trackers, pull pieces from the swarm,
// and commit verified data to disk (spec §6, the CLI surface a runnable
// binary needs around the engine).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tchardonnens/vibe-torrent-client/internal/config"
	"github.com/tchardonnens/vibe-torrent-client/internal/engine"
	"github.com/tchardonnens/vibe-torrent-client/internal/logging"
	"github.com/tchardonnens/vibe-torrent-client/internal/meta"
	"github.com/tchardonnens/vibe-torrent-client/internal/tracker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("leecher", flag.ContinueOnError)
	output := fs.String("output", "", "output directory (default: ./downloads)")
	verbose := fs.Bool("verbose", false, "enable debug-level logging")
	noColor := fs.Bool("no-color", false, "disable colorized log output")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: leecher [flags] <file.torrent>")
		fs.PrintDefaults()
		return 2
	}
	path := fs.Arg(0)

	log := setupLogger(*verbose, *noColor)

	if strings.HasPrefix(path, "magnet:") {
		log.Error("magnet links are not supported: BEP-9 metadata exchange is out of scope, a .torrent file is required")
		return 1
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Error("read torrent file", "path", path, "error", err)
		return 1
	}

	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		log.Error("parse torrent file", "path", path, "error", err)
		return 1
	}

	cfg := config.Default()
	if *output != "" {
		cfg.OutputDir = *output
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(cfg, mi, log)
	if err != nil {
		log.Error("build engine", "error", err)
		return 1
	}

	log.Info("starting download",
		"name", mi.Info.Name,
		"pieces", mi.PieceCount(),
		"size", mi.Size(),
		"output", cfg.OutputDir,
	)

	go reportProgress(ctx, eng, log)

	if err := eng.Run(ctx); err != nil {
		log.Error("download failed", "error", err)
		return 1
	}

	log.Info("download finished", "name", mi.Info.Name)
	return 0
}

// buildEngine wires the tracker and engine together. The tracker's
// GetState callback needs the engine's live progress, and the engine
// needs a constructed tracker to announce through — so the tracker is
// built first against a forwarding closure, and the closure is pointed
// at the real engine once it exists.
func buildEngine(cfg *config.Config, mi *meta.Metainfo, log *slog.Logger) (*engine.Engine, error) {
	var eng *engine.Engine

	trk, err := tracker.New(cfg, mi.Announce, mi.AnnounceList, log, func() *tracker.AnnounceParams {
		if eng == nil {
			return nil
		}
		return eng.AnnounceParams()
	})
	if err != nil {
		return nil, fmt.Errorf("tracker setup: %w", err)
	}

	eng, err = engine.New(engine.Opts{
		Config:   cfg,
		Metainfo: mi,
		Log:      log,
		Tracker:  trk,
	})
	if err != nil {
		return nil, err
	}

	return eng, nil
}

func reportProgress(ctx context.Context, eng *engine.Engine, log *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := eng.Progress()
			if p.TotalPieces == 0 {
				continue
			}
			pct := float64(p.CompletedPieces) / float64(p.TotalPieces) * 100
			log.Info("progress",
				"pieces", fmt.Sprintf("%d/%d", p.CompletedPieces, p.TotalPieces),
				"percent", fmt.Sprintf("%.1f%%", pct),
				"bytes", p.CompletedBytes,
				"peers", eng.ActivePeers(),
			)
		}
	}
}

func setupLogger(verbose, noColor bool) *slog.Logger {
	opts := logging.DefaultOptions()
	opts.UseColor = !noColor
	if verbose {
		opts.Level = slog.LevelDebug
	}

	log := logging.New(os.Stdout, opts)
	slog.SetDefault(log)
	return log
}
