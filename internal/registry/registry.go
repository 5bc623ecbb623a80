// Package registry holds the process wide view of every remote peer: its
// protocol state, its connection and its neighbor set membership.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/WendelHime/peershare/internal/config"
	"github.com/WendelHime/peershare/internal/inventory"
	"github.com/WendelHime/peershare/internal/shared/models"
	mapset "github.com/deckarep/golang-set"
)

var (
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrNotConnected = errors.New("peer not connected")
)

// Sender delivers one framed message to a remote peer.
type Sender interface {
	WriteMessage(models.Message) error
}

type PeerRecord struct {
	PeerID           string
	Addr             models.Addr
	RosterIndex      int
	InitiallyHasFile bool

	Role          models.Role
	State         models.PeerState
	PreviousState models.PeerState

	// IsInterested is the remote's interest in our pieces.
	IsInterested bool
	// IsChoked is whether we choke the remote.
	IsChoked                 bool
	IsPreferredNeighbor      bool
	IsOptimisticallyUnchoked bool
	IsComplete               bool

	RemoteBitfield *inventory.Bitfield
	RequestedPiece int
	RequestStart   time.Time
	RequestEnd     time.Time
	// DownloadRate is bytes per second measured over the last piece.
	DownloadRate float64
}

type Registry struct {
	mu         sync.RWMutex
	order      []string
	peers      map[string]*PeerRecord
	senders    map[string]Sender
	preferred  mapset.Set
	optimistic mapset.Set
	log        *slog.Logger
}

// New builds one record per roster entry except selfID. Every incomplete
// peer starts out preferred, so early interest is answered with an unchoke.
func New(selfID string, entries []config.PeerEntry, logger *slog.Logger) *Registry {
	r := &Registry{
		peers:      make(map[string]*PeerRecord),
		senders:    make(map[string]Sender),
		preferred:  mapset.NewSet(),
		optimistic: mapset.NewSet(),
		log:        logger,
	}
	for _, e := range entries {
		if e.PeerID == selfID {
			continue
		}
		rec := &PeerRecord{
			PeerID:           e.PeerID,
			Addr:             e.Addr,
			RosterIndex:      e.Index,
			InitiallyHasFile: e.HasFile,
			State:            models.StateAwaitingHandshake,
			IsChoked:         true,
			IsComplete:       e.HasFile,
			RequestedPiece:   -1,
		}
		if !rec.IsComplete {
			rec.IsPreferredNeighbor = true
			r.preferred.Add(e.PeerID)
		}
		r.order = append(r.order, e.PeerID)
		r.peers[e.PeerID] = rec
	}
	return r
}

func (r *Registry) Has(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[peerID]
	return ok
}

// Get returns a copy of the record.
func (r *Registry) Get(peerID string) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[peerID]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Update applies fn to the record under the registry lock.
func (r *Registry) Update(peerID string, fn func(*PeerRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[peerID]
	if !ok {
		return ErrUnknownPeer
	}
	fn(rec)
	return nil
}

// Snapshot copies every record in roster order.
func (r *Registry) Snapshot() []PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.peers[id])
	}
	return out
}

func (r *Registry) Attach(peerID string, s Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peerID]; !ok {
		return ErrUnknownPeer
	}
	if _, ok := r.senders[peerID]; ok {
		r.log.Warn("replacing existing connection", slog.String("peer", peerID))
	}
	r.senders[peerID] = s
	return nil
}

// Detach drops the connection if it is still s.
func (r *Registry) Detach(peerID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.senders[peerID] == s {
		delete(r.senders, peerID)
	}
}

func (r *Registry) Connected(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.senders[peerID]
	return ok
}

func (r *Registry) Send(peerID string, msg models.Message) error {
	r.mu.RLock()
	s, ok := r.senders[peerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	return s.WriteMessage(msg)
}

// Broadcast sends msg to every connected peer and returns how many sends
// succeeded.
func (r *Registry) Broadcast(msg models.Message) int {
	r.mu.RLock()
	targets := make(map[string]Sender, len(r.senders))
	for id, s := range r.senders {
		targets[id] = s
	}
	r.mu.RUnlock()

	sent := 0
	for id, s := range targets {
		if err := s.WriteMessage(msg); err != nil {
			r.log.Warn("broadcast failed", slog.String("peer", id), slog.String("type", msg.Type.String()), slog.Any("error", err))
			continue
		}
		sent++
	}
	return sent
}

// SetPreferred replaces the preferred set. Complete peers are never members.
func (r *Registry) SetPreferred(peerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preferred.Clear()
	for _, rec := range r.peers {
		rec.IsPreferredNeighbor = false
	}
	for _, id := range peerIDs {
		rec, ok := r.peers[id]
		if !ok || rec.IsComplete {
			continue
		}
		rec.IsPreferredNeighbor = true
		r.preferred.Add(id)
	}
}

// SetOptimistic makes peerID the sole optimistic neighbor.
func (r *Registry) SetOptimistic(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[peerID]
	if !ok || rec.IsComplete {
		return
	}
	for _, prev := range r.optimistic.ToSlice() {
		if p, ok := r.peers[prev.(string)]; ok {
			p.IsOptimisticallyUnchoked = false
		}
	}
	r.optimistic.Clear()
	rec.IsOptimisticallyUnchoked = true
	r.optimistic.Add(peerID)
}

func (r *Registry) Preferred() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ordered(r.preferred)
}

func (r *Registry) Optimistic() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.ordered(r.optimistic)
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// IsUnchokeEligible reports whether peerID is an incomplete preferred or
// optimistic neighbor.
func (r *Registry) IsUnchokeEligible(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[peerID]
	if !ok || rec.IsComplete {
		return false
	}
	return r.preferred.Contains(peerID) || r.optimistic.Contains(peerID)
}

// MarkComplete flags peerID as holding the whole file and removes it from
// both neighbor sets. It reports whether the flag changed.
func (r *Registry) MarkComplete(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.markComplete(peerID)
}

// SyncRoster applies completion flags read from the roster and returns the
// peers newly marked complete.
func (r *Registry) SyncRoster(entries []config.PeerEntry) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var changed []string
	for _, e := range entries {
		if e.HasFile && r.markComplete(e.PeerID) {
			changed = append(changed, e.PeerID)
		}
	}
	return changed
}

func (r *Registry) markComplete(peerID string) bool {
	rec, ok := r.peers[peerID]
	if !ok || rec.IsComplete {
		return false
	}
	rec.IsComplete = true
	rec.IsInterested = false
	rec.IsPreferredNeighbor = false
	rec.IsOptimisticallyUnchoked = false
	r.preferred.Remove(peerID)
	r.optimistic.Remove(peerID)
	return true
}

func (r *Registry) ordered(set mapset.Set) []string {
	ids := make([]string, 0, set.Cardinality())
	for _, id := range r.order {
		if set.Contains(id) {
			ids = append(ids, id)
		}
	}
	return ids
}
