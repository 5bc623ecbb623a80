package logic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/WendelHime/peershare/internal/config"
	"github.com/WendelHime/peershare/internal/inventory"
	"github.com/WendelHime/peershare/internal/metrics"
	"github.com/WendelHime/peershare/internal/p2p"
	"github.com/WendelHime/peershare/internal/registry"
	"github.com/WendelHime/peershare/internal/shared/models"
	"github.com/dustin/go-humanize"
)

// Processor drains the inbound queue and drives every peer's state machine.
// It is the only goroutine that reacts to received messages.
type Processor struct {
	selfID    string
	inv       *inventory.Inventory
	reg       *registry.Registry
	store     config.RosterStore
	metrics   *metrics.Metrics
	pieceHook func(size int)
	now       func() time.Time
	log       *slog.Logger

	announced bool
}

func NewProcessor(selfID string, inv *inventory.Inventory, reg *registry.Registry, store config.RosterStore, m *metrics.Metrics, logger *slog.Logger) *Processor {
	return &Processor{
		selfID:    selfID,
		inv:       inv,
		reg:       reg,
		store:     store,
		metrics:   m,
		now:       time.Now,
		log:       logger,
		announced: inv.IsComplete(),
	}
}

// OnPiece registers a callback invoked with the size of every stored piece.
func (p *Processor) OnPiece(fn func(size int)) {
	p.pieceHook = fn
}

func (p *Processor) Run(ctx context.Context, q *Queue) error {
	for {
		env, err := q.Pop(ctx)
		if err != nil {
			return nil
		}
		if err := p.Handle(env); err != nil {
			p.log.Error("failed to handle message",
				slog.String("peer", env.From),
				slog.String("type", env.Message.Type.String()),
				slog.Any("error", err))
		}
	}
}

func (p *Processor) Handle(env Envelope) error {
	rec, ok := p.reg.Get(env.From)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownPeer, env.From)
	}

	switch env.Message.Type {
	case models.MessageTypeBitfield:
		return p.onBitfield(rec, env.Message.Payload)
	case models.MessageTypeHave:
		return p.onHave(rec, env.Message.Payload)
	case models.MessageTypeInterested:
		return p.onInterested(rec)
	case models.MessageTypeNotInterested:
		return p.onNotInterested(rec)
	case models.MessageTypeChoke:
		return p.onChoke(rec)
	case models.MessageTypeUnchoke:
		return p.onUnchoke(rec)
	case models.MessageTypeRequest:
		return p.onRequest(rec, env.Message.Payload)
	case models.MessageTypePiece:
		return p.onPiece(rec, env.Message.Payload)
	case models.MessageTypeDownloaded:
		return p.onDownloaded(rec)
	}
	return fmt.Errorf("%w: %s", p2p.ErrTypeInvalid, env.Message.Type)
}

func (p *Processor) onBitfield(rec registry.PeerRecord, payload []byte) error {
	remote := inventory.FromWireBytes(payload, p.inv.NumPieces())
	p.setState(rec.PeerID, func(r *registry.PeerRecord) { r.RemoteBitfield = remote })
	p.log.Info("received bitfield", slog.String("peer", rec.PeerID), slog.Int("pieces", remote.Count()))

	if rec.Role == models.RolePassive {
		if err := p.send(rec.PeerID, models.Message{Type: models.MessageTypeBitfield, Payload: p.inv.WireBytes()}); err != nil {
			return err
		}
		p.setState(rec.PeerID, func(r *registry.PeerRecord) { r.State = models.StateAwaitingInterest })
		return nil
	}
	return p.evaluateInterest(rec.PeerID, remote)
}

func (p *Processor) onHave(rec registry.PeerRecord, payload []byte) error {
	remote := inventory.FromWireBytes(payload, p.inv.NumPieces())
	p.setState(rec.PeerID, func(r *registry.PeerRecord) { r.RemoteBitfield = remote })
	p.log.Info("received have", slog.String("peer", rec.PeerID), slog.Int("pieces", remote.Count()))

	if rec.Role != models.RoleActive || rec.State == models.StateRequesting {
		return nil
	}
	return p.evaluateInterest(rec.PeerID, remote)
}

func (p *Processor) evaluateInterest(peerID string, remote *inventory.Bitfield) error {
	if p.inv.FirstDifferingIndex(remote) < 0 {
		if err := p.send(peerID, models.Message{Type: models.MessageTypeNotInterested}); err != nil {
			return err
		}
		p.setState(peerID, func(r *registry.PeerRecord) { r.State = models.StateNotInterested })
		p.log.Info("not interested", slog.String("peer", peerID))
		return nil
	}
	if err := p.send(peerID, models.Message{Type: models.MessageTypeInterested}); err != nil {
		return err
	}
	p.setState(peerID, func(r *registry.PeerRecord) { r.State = models.StateInterested })
	p.log.Info("interested", slog.String("peer", peerID))
	return nil
}

func (p *Processor) onInterested(rec registry.PeerRecord) error {
	p.log.Info("received interested", slog.String("peer", rec.PeerID))
	p.setState(rec.PeerID, func(r *registry.PeerRecord) { r.IsInterested = true })

	if p.reg.IsUnchokeEligible(rec.PeerID) {
		p.setState(rec.PeerID, func(r *registry.PeerRecord) {
			r.IsChoked = false
			r.State = models.StateUnchoked
		})
		return p.send(rec.PeerID, models.Message{Type: models.MessageTypeUnchoke})
	}
	p.setState(rec.PeerID, func(r *registry.PeerRecord) {
		r.IsChoked = true
		r.State = models.StateChoked
	})
	return p.send(rec.PeerID, models.Message{Type: models.MessageTypeChoke})
}

func (p *Processor) onNotInterested(rec registry.PeerRecord) error {
	p.log.Info("received not interested", slog.String("peer", rec.PeerID))
	p.setState(rec.PeerID, func(r *registry.PeerRecord) {
		r.IsInterested = false
		r.State = models.StateRemoteNotInterested
	})
	return nil
}

func (p *Processor) onChoke(rec registry.PeerRecord) error {
	p.log.Info("choked by", slog.String("peer", rec.PeerID))
	if rec.State != models.StateInterested && rec.State != models.StateRequesting {
		return nil
	}
	p.setState(rec.PeerID, func(r *registry.PeerRecord) {
		r.State = models.StateAwaitingInterestRecheck
		r.RequestedPiece = -1
	})
	return nil
}

func (p *Processor) onUnchoke(rec registry.PeerRecord) error {
	p.log.Info("unchoked by", slog.String("peer", rec.PeerID))
	if rec.State != models.StateInterested && rec.State != models.StateAwaitingInterestRecheck {
		return nil
	}
	return p.requestNext(rec.PeerID)
}

// requestNext asks for the lowest piece the remote has and we lack, or
// declares disinterest when there is none.
func (p *Processor) requestNext(peerID string) error {
	rec, _ := p.reg.Get(peerID)
	index := p.inv.FirstDifferingIndex(rec.RemoteBitfield)
	if index < 0 {
		if err := p.send(peerID, models.Message{Type: models.MessageTypeNotInterested}); err != nil {
			return err
		}
		p.setState(peerID, func(r *registry.PeerRecord) {
			r.State = models.StateNotInterested
			r.RequestedPiece = -1
		})
		return nil
	}

	p.setState(peerID, func(r *registry.PeerRecord) {
		r.State = models.StateRequesting
		r.RequestedPiece = index
		r.RequestStart = p.now()
	})
	return p.send(peerID, models.Message{Type: models.MessageTypeRequest, Payload: p2p.EncodeRequest(index)})
}

func (p *Processor) onRequest(rec registry.PeerRecord, payload []byte) error {
	if rec.IsChoked {
		p.log.Info("ignoring request from choked peer", slog.String("peer", rec.PeerID))
		return nil
	}
	index, err := p2p.DecodeRequest(payload)
	if err != nil {
		return err
	}
	data, err := p.inv.ReadPiece(index)
	if err != nil {
		return err
	}
	if err := p.send(rec.PeerID, models.Message{Type: models.MessageTypePiece, Payload: p2p.EncodePiece(index, data)}); err != nil {
		return err
	}
	p.log.Info("sent piece", slog.String("peer", rec.PeerID), slog.Int("piece", index))

	if p.inv.IsComplete() {
		p.announceCompletion()
	}

	if !p.reg.IsUnchokeEligible(rec.PeerID) {
		p.setState(rec.PeerID, func(r *registry.PeerRecord) {
			r.IsChoked = true
			r.State = models.StateChoked
		})
		return p.send(rec.PeerID, models.Message{Type: models.MessageTypeChoke})
	}
	return nil
}

func (p *Processor) onPiece(rec registry.PeerRecord, payload []byte) error {
	index, data, err := p2p.DecodePiece(payload)
	if err != nil {
		return err
	}

	end := p.now()
	rate := 0.0
	if elapsed := end.Sub(rec.RequestStart).Seconds(); !rec.RequestStart.IsZero() && elapsed > 0 {
		rate = float64(len(payload)+5) / elapsed
	}
	p.setState(rec.PeerID, func(r *registry.PeerRecord) {
		r.RequestEnd = end
		r.DownloadRate = rate
		r.RequestedPiece = -1
	})

	written, err := p.inv.WritePiece(index, data, rec.PeerID)
	if err != nil {
		return err
	}
	if written.Stored {
		p.metrics.PieceStored(len(data), written.Present)
		if p.pieceHook != nil {
			p.pieceHook(len(data))
		}
		p.log.Info("downloaded piece",
			slog.String("peer", rec.PeerID),
			slog.Int("piece", index),
			slog.Int("present", written.Present),
			slog.String("rate", humanize.Bytes(uint64(rate))+"/s"))
		p.syncRoster()
		p.fanOutHave()
	}

	if written.Complete {
		p.announceCompletion()
	}

	current, _ := p.reg.Get(rec.PeerID)
	if current.State != models.StateRequesting {
		return nil
	}
	return p.requestNext(rec.PeerID)
}

// fanOutHave tells every unchoked, interested and incomplete peer we serve
// about our new bitfield.
func (p *Processor) fanOutHave() {
	have := models.Message{Type: models.MessageTypeHave, Payload: p.inv.WireBytes()}
	for _, peer := range p.reg.Snapshot() {
		if peer.Role != models.RolePassive || peer.IsComplete || peer.IsChoked || !peer.IsInterested {
			continue
		}
		if err := p.send(peer.PeerID, have); err != nil {
			p.log.Warn("failed to send have", slog.String("peer", peer.PeerID), slog.Any("error", err))
			continue
		}
		p.setState(peer.PeerID, func(r *registry.PeerRecord) { r.State = models.StateAwaitingInterest })
	}
}

func (p *Processor) announceCompletion() {
	if p.announced {
		return
	}
	p.announced = true
	p.log.Info("downloaded the complete file", slog.String("peer", p.selfID))
	if err := p.store.MarkComplete(p.selfID); err != nil {
		p.log.Error("failed to persist completion", slog.Any("error", err))
	}
	sent := p.reg.Broadcast(models.Message{Type: models.MessageTypeDownloaded})
	p.log.Info("announced completion", slog.Int("peers", sent))
}

func (p *Processor) onDownloaded(rec registry.PeerRecord) error {
	p.setState(rec.PeerID, func(r *registry.PeerRecord) {
		r.PreviousState = r.State
		r.State = models.StatePeerAnnouncedCompletion
	})
	p.reg.MarkComplete(rec.PeerID)
	p.log.Info("peer completed", slog.String("peer", rec.PeerID))

	err := p.store.MarkComplete(rec.PeerID)
	p.setState(rec.PeerID, func(r *registry.PeerRecord) { r.State = r.PreviousState })
	if err != nil {
		return fmt.Errorf("persist completion of %s: %w", rec.PeerID, err)
	}
	return nil
}

func (p *Processor) syncRoster() {
	entries, err := p.store.Load()
	if err != nil {
		p.log.Warn("failed to reload roster", slog.Any("error", err))
		return
	}
	for _, id := range p.reg.SyncRoster(entries) {
		p.log.Info("peer completed", slog.String("peer", id))
	}
}

func (p *Processor) send(peerID string, msg models.Message) error {
	if err := p.reg.Send(peerID, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, peerID, err)
	}
	return nil
}

func (p *Processor) setState(peerID string, fn func(*registry.PeerRecord)) {
	_ = p.reg.Update(peerID, fn)
}
