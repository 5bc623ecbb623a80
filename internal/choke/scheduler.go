// Package choke periodically chooses which remote peers we unchoke.
package choke

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/WendelHime/peershare/internal/config"
	"github.com/WendelHime/peershare/internal/metrics"
	"github.com/WendelHime/peershare/internal/registry"
	"github.com/WendelHime/peershare/internal/shared/models"
	"golang.org/x/sync/errgroup"
)

// Pieces is the local inventory as seen by the scheduler.
type Pieces interface {
	IsComplete() bool
	WireBytes() []byte
}

type Scheduler struct {
	reg     *registry.Registry
	pieces  Pieces
	store   config.RosterStore
	n       int
	metrics *metrics.Metrics
	log     *slog.Logger

	preferredMu    sync.Mutex
	preferredRand  *rand.Rand
	optimisticMu   sync.Mutex
	optimisticRand *rand.Rand
}

func New(reg *registry.Registry, pieces Pieces, store config.RosterStore, preferredCount int, seed int64, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		reg:            reg,
		pieces:         pieces,
		store:          store,
		n:              preferredCount,
		metrics:        m,
		log:            logger,
		preferredRand:  rand.New(rand.NewSource(seed)),
		optimisticRand: rand.New(rand.NewSource(seed + 1)),
	}
}

// Run fires both selections on their own tickers until ctx ends. The first
// round of each happens one interval after start.
func (s *Scheduler) Run(ctx context.Context, unchoking, optimistic time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		every(ctx, unchoking, func() { s.UpdatePreferred() })
		return nil
	})
	g.Go(func() error {
		every(ctx, optimistic, func() { s.UpdateOptimistic() })
		return nil
	})
	return g.Wait()
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// UpdatePreferred recomputes the preferred neighbors and unchokes the ones
// currently choked. Peers dropped from the set stay unchoked until their next
// request.
func (s *Scheduler) UpdatePreferred() []string {
	s.syncRoster()

	var candidates []registry.PeerRecord
	for _, rec := range s.reg.Snapshot() {
		if rec.IsInterested && !rec.IsComplete {
			candidates = append(candidates, rec)
		}
	}

	s.preferredMu.Lock()
	chosen := ChoosePreferred(candidates, s.n, s.pieces.IsComplete(), s.preferredRand)
	s.preferredMu.Unlock()

	s.reg.SetPreferred(chosen)
	s.metrics.PreferredNeighbors(len(chosen))
	s.log.Info("selected preferred neighbors", slog.Any("peers", chosen), slog.Int("interested", len(candidates)))

	for _, id := range chosen {
		if rec, ok := s.reg.Get(id); ok && rec.IsChoked {
			s.unchoke(id)
		}
	}
	return chosen
}

// UpdateOptimistic picks one choked, interested and incomplete peer at random
// as the optimistic neighbor. With no candidate the slot is left as is.
func (s *Scheduler) UpdateOptimistic() (string, bool) {
	s.syncRoster()

	var candidates []string
	for _, rec := range s.reg.Snapshot() {
		if rec.IsInterested && rec.IsChoked && !rec.IsComplete {
			candidates = append(candidates, rec.PeerID)
		}
	}
	if len(candidates) == 0 {
		s.log.Debug("no optimistic unchoke candidate")
		return "", false
	}

	s.optimisticMu.Lock()
	id := candidates[s.optimisticRand.Intn(len(candidates))]
	s.optimisticMu.Unlock()

	s.reg.SetOptimistic(id)
	s.log.Info("selected optimistic neighbor", slog.String("peer", id))
	s.unchoke(id)
	return id, true
}

// ChoosePreferred returns up to n peer ids from candidates. A complete local
// peer samples uniformly at random; otherwise peers are ranked by download
// rate, ties kept in candidate order.
func ChoosePreferred(candidates []registry.PeerRecord, n int, random bool, rng *rand.Rand) []string {
	ranked := make([]registry.PeerRecord, len(candidates))
	copy(ranked, candidates)

	if random {
		rng.Shuffle(len(ranked), func(i, j int) { ranked[i], ranked[j] = ranked[j], ranked[i] })
	} else {
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].DownloadRate > ranked[j].DownloadRate
		})
	}

	if n > len(ranked) {
		n = len(ranked)
	}
	ids := make([]string, 0, n)
	for _, rec := range ranked[:n] {
		ids = append(ids, rec.PeerID)
	}
	return ids
}

// unchoke sends UNCHOKE followed by our current bitfield as a HAVE.
func (s *Scheduler) unchoke(peerID string) {
	s.reg.Update(peerID, func(r *registry.PeerRecord) {
		r.IsChoked = false
		r.State = models.StateAwaitingInterest
	})
	if err := s.reg.Send(peerID, models.Message{Type: models.MessageTypeUnchoke}); err != nil {
		s.reg.Update(peerID, func(r *registry.PeerRecord) { r.IsChoked = true })
		s.log.Warn("failed to unchoke", slog.String("peer", peerID), slog.Any("error", err))
		return
	}
	if err := s.reg.Send(peerID, models.Message{Type: models.MessageTypeHave, Payload: s.pieces.WireBytes()}); err != nil {
		s.log.Warn("failed to send have", slog.String("peer", peerID), slog.Any("error", err))
		return
	}
	s.log.Info("unchoked", slog.String("peer", peerID))
}

func (s *Scheduler) syncRoster() {
	entries, err := s.store.Load()
	if err != nil {
		s.log.Warn("failed to reload roster", slog.Any("error", err))
		return
	}
	s.reg.SyncRoster(entries)
}
