package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/WendelHime/peershare/internal/config"
	"github.com/WendelHime/peershare/internal/decoder"
	"github.com/WendelHime/peershare/internal/logic"
	"github.com/WendelHime/peershare/internal/metrics"
	"github.com/alexflint/go-arg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
)

type args struct {
	PeerID       string        `arg:"positional,required" help:"this peer's id as listed in the roster"`
	Common       string        `arg:"--common" default:"Common.cfg" help:"common settings file"`
	Peers        string        `arg:"--peers" default:"PeerInfo.cfg" help:"peer roster file"`
	Meta         string        `arg:"--meta" help:"bencoded metafile overriding the file description of the common settings"`
	Dir          string        `arg:"--dir" default:"." help:"directory holding one subdirectory per peer"`
	LogDir       string        `arg:"--log-dir" default:"." help:"directory for log_peer_<id>.log"`
	MetricsAddr  string        `arg:"--metrics-addr" help:"serve Prometheus metrics on this address"`
	PollInterval time.Duration `arg:"--poll-interval" default:"15s" help:"how often to check whether every peer is complete"`
	Progress     bool          `arg:"--progress" help:"show a download progress bar"`
}

func (args) Description() string {
	return "peerprocess shares one file with the peers listed in the roster"
}

func main() {
	var a args
	arg.MustParse(&a)

	logOut, err := os.Create(filepath.Join(a.LogDir, fmt.Sprintf("log_peer_%s.log", a.PeerID)))
	if err != nil {
		panic(err)
	}
	defer logOut.Close()
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelInfo})).With(slog.String("self", a.PeerID))

	if err := run(a, logger); err != nil {
		logger.Error("peer process failed", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(a args, logger *slog.Logger) error {
	fs := afero.NewOsFs()

	settings, err := config.LoadCommonFile(fs, a.Common)
	if err != nil {
		return err
	}
	if a.Meta != "" {
		f, err := fs.Open(a.Meta)
		if err != nil {
			return err
		}
		meta, err := decoder.NewDecoder().Decode(f)
		f.Close()
		if err != nil {
			return err
		}
		settings, err = settings.ApplyMetafile(meta)
		if err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if a.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: a.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
		defer srv.Close()
	}

	opts := logic.Options{
		SelfID:       a.PeerID,
		Settings:     settings,
		Store:        config.NewFileRosterStore(fs, a.Peers),
		Fs:           fs,
		Dir:          a.Dir,
		Metrics:      m,
		PollInterval: a.PollInterval,
		Grace:        logic.DefaultGrace,
		WatchPath:    a.Peers,
	}

	var bar *progressbar.ProgressBar
	if a.Progress {
		bar = progressbar.DefaultBytes(int64(settings.FileSize), "downloading")
		opts.OnPiece = func(size int) { bar.Add(size) }
	}

	process, err := logic.NewProcess(opts, logger)
	if err != nil {
		return err
	}
	if bar != nil {
		inv := process.Inventory()
		held := 0
		for i := 0; i < inv.NumPieces(); i++ {
			if inv.Has(i) {
				held += inv.PieceLength(i)
			}
		}
		bar.Set(held)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return process.Run(ctx)
}
