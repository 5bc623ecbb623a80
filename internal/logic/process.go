package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/WendelHime/peershare/internal/choke"
	"github.com/WendelHime/peershare/internal/config"
	"github.com/WendelHime/peershare/internal/inventory"
	"github.com/WendelHime/peershare/internal/metrics"
	"github.com/WendelHime/peershare/internal/registry"
	"github.com/WendelHime/peershare/internal/shared/models"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval = 15 * time.Second
	DefaultGrace        = 5 * time.Second

	defaultQueueSize   = 1024
	defaultDialRetries = 10
	defaultDialBackoff = 500 * time.Millisecond
)

type Options struct {
	SelfID   string
	Settings config.Settings
	Store    config.RosterStore
	Fs       afero.Fs
	// Dir holds one subdirectory per peer id with that peer's copy of the file.
	Dir string
	// Listener overrides listening on the roster port.
	Listener net.Listener
	Metrics  *metrics.Metrics
	OnPiece  func(size int)

	PollInterval time.Duration
	Grace        time.Duration
	// WatchPath is the roster file to watch for changes. Empty disables
	// watching; the poll still runs.
	WatchPath   string
	DialRetries int
	DialBackoff time.Duration
	Seed        int64
}

// Process is one peer: it serves and downloads the shared file until every
// roster peer holds it.
type Process struct {
	opts      Options
	self      config.PeerEntry
	inv       *inventory.Inventory
	reg       *registry.Registry
	queue     *Queue
	processor *Processor
	handler   *Handler
	scheduler *choke.Scheduler
	log       *slog.Logger
}

func NewProcess(opts Options, logger *slog.Logger) (*Process, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	if opts.DialRetries <= 0 {
		opts.DialRetries = defaultDialRetries
	}
	if opts.DialBackoff <= 0 {
		opts.DialBackoff = defaultDialBackoff
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	entries, err := opts.Store.Load()
	if err != nil {
		return nil, err
	}
	self, ok := config.Find(entries, opts.SelfID)
	if !ok {
		return nil, fmt.Errorf("%w: peer %s is not in the roster", config.ErrConfigurationInvalid, opts.SelfID)
	}

	path := filepath.Join(opts.Dir, opts.SelfID, opts.Settings.FileName)
	inv, err := inventory.New(opts.Fs, path, opts.Settings.FileSize, opts.Settings.PieceSize, self.HasFile, logger)
	if err != nil {
		return nil, err
	}
	opts.Metrics.PiecesPresent(inv.PresentCount())

	reg := registry.New(opts.SelfID, entries, logger)
	queue := NewQueue(defaultQueueSize)
	processor := NewProcessor(opts.SelfID, inv, reg, opts.Store, opts.Metrics, logger)
	processor.OnPiece(opts.OnPiece)

	return &Process{
		opts:      opts,
		self:      self,
		inv:       inv,
		reg:       reg,
		queue:     queue,
		processor: processor,
		handler:   NewHandler(opts.SelfID, inv, reg, queue, opts.Metrics, logger),
		scheduler: choke.New(reg, inv, opts.Store, opts.Settings.PreferredNeighborCount, opts.Seed, opts.Metrics, logger),
		log:       logger,
	}, nil
}

func (p *Process) Inventory() *inventory.Inventory {
	return p.inv
}

func (p *Process) Registry() *registry.Registry {
	return p.reg
}

// Run blocks until every roster peer is complete or ctx is cancelled.
func (p *Process) Run(ctx context.Context) error {
	defer p.inv.Close()

	ln := p.opts.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", p.self.Addr.Port))
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()
	schedCtx, stopScheduler := context.WithCancel(runCtx)
	defer stopScheduler()

	stop := context.AfterFunc(runCtx, func() { ln.Close() })
	defer stop()

	p.log.Info("peer started",
		slog.String("peer", p.opts.SelfID),
		slog.String("listen", ln.Addr().String()),
		slog.String("file", p.opts.Settings.FileName),
		slog.String("size", humanize.Bytes(uint64(p.opts.Settings.FileSize))),
		slog.Int("pieces", p.inv.NumPieces()))

	g.Go(func() error {
		return p.processor.Run(runCtx, p.queue)
	})
	g.Go(func() error {
		return p.scheduler.Run(schedCtx, p.opts.Settings.UnchokingInterval, p.opts.Settings.OptimisticUnchokingInterval)
	})
	g.Go(func() error {
		return p.accept(runCtx, g, ln)
	})
	for _, rec := range p.reg.Snapshot() {
		if rec.RosterIndex >= p.self.Index {
			continue
		}
		rec := rec
		g.Go(func() error {
			p.dial(runCtx, rec)
			return nil
		})
	}
	g.Go(func() error {
		p.watchCompletion(runCtx, stopScheduler, cancel)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Process) accept(ctx context.Context, g *errgroup.Group, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		g.Go(func() error {
			if err := p.handler.Serve(ctx, conn, models.RolePassive, ""); err != nil {
				p.log.Warn("inbound connection ended", slog.String("remote", conn.RemoteAddr().String()), slog.Any("error", err))
			}
			return nil
		})
	}
}

// dial connects to a peer listed earlier in the roster, retrying while it
// starts up.
func (p *Process) dial(ctx context.Context, rec registry.PeerRecord) {
	var d net.Dialer
	address := rec.Addr.String()
	for attempt := 1; attempt <= p.opts.DialRetries; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", address)
		if err == nil {
			p.log.Info("made connection", slog.String("peer", rec.PeerID), slog.String("address", address))
			if err := p.handler.Serve(ctx, conn, models.RoleActive, rec.PeerID); err != nil {
				p.log.Warn("outbound connection ended", slog.String("peer", rec.PeerID), slog.Any("error", err))
			}
			return
		}
		p.log.Debug("dial failed", slog.String("peer", rec.PeerID), slog.Int("attempt", attempt), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.DialBackoff):
		}
	}
	p.log.Warn("giving up on peer", slog.String("peer", rec.PeerID), slog.String("address", address))
}

// watchCompletion polls the roster, and reacts to roster file changes, until
// every peer is complete. It then stops the scheduler, waits the grace period
// and cancels everything else.
func (p *Process) watchCompletion(ctx context.Context, stopScheduler, cancel context.CancelFunc) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	if p.opts.WatchPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err == nil {
			defer watcher.Close()
			if err := watcher.Add(p.opts.WatchPath); err == nil {
				events = watcher.Events
			} else {
				p.log.Warn("cannot watch roster", slog.String("path", p.opts.WatchPath), slog.Any("error", err))
			}
		} else {
			p.log.Warn("cannot watch roster", slog.Any("error", err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
		}

		if !p.allComplete() {
			continue
		}
		p.log.Info("all peers have the complete file")
		stopScheduler()
		select {
		case <-ctx.Done():
		case <-time.After(p.opts.Grace):
		}
		cancel()
		return
	}
}

func (p *Process) allComplete() bool {
	entries, err := p.opts.Store.Load()
	if err != nil {
		p.log.Warn("failed to reload roster", slog.Any("error", err))
		return false
	}
	p.reg.SyncRoster(entries)
	return config.AllComplete(entries)
}
