package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/WendelHime/peershare/internal/inventory"
	"github.com/WendelHime/peershare/internal/metrics"
	"github.com/WendelHime/peershare/internal/p2p"
	"github.com/WendelHime/peershare/internal/registry"
	"github.com/WendelHime/peershare/internal/shared/models"
)

var ErrUnknownPeer = errors.New("handshake from unknown peer")

// Handler runs one connection: the handshake, the opening bitfield and the
// read loop feeding the queue.
type Handler struct {
	selfID  string
	inv     *inventory.Inventory
	reg     *registry.Registry
	queue   *Queue
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewHandler(selfID string, inv *inventory.Inventory, reg *registry.Registry, q *Queue, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{selfID: selfID, inv: inv, reg: reg, queue: q, metrics: m, log: logger}
}

// Serve owns conn until it fails or ctx ends. The active side dialed
// expectedID; the passive side accepts any roster peer.
func (h *Handler) Serve(ctx context.Context, conn net.Conn, role models.Role, expectedID string) error {
	c := p2p.NewConn(conn, h.metrics)
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	peerID, err := h.handshake(c, role, expectedID)
	if err != nil {
		return err
	}

	if err := h.reg.Attach(peerID, c); err != nil {
		return err
	}
	defer h.reg.Detach(peerID, c)

	h.reg.Update(peerID, func(r *registry.PeerRecord) {
		r.Role = role
		r.State = models.StateAwaitingBitfield
	})

	if role == models.RoleActive {
		bitfield := models.Message{Type: models.MessageTypeBitfield, Payload: h.inv.WireBytes()}
		if err := c.WriteMessage(bitfield); err != nil {
			return err
		}
	}

	for {
		msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.log.Info("connection closed", slog.String("peer", peerID), slog.Any("error", err))
			return err
		}
		if err := h.queue.Push(ctx, Envelope{From: peerID, Message: msg}); err != nil {
			return nil
		}
	}
}

func (h *Handler) handshake(c *p2p.Conn, role models.Role, expectedID string) (string, error) {
	if role == models.RoleActive {
		if err := c.SendHandshake(h.selfID); err != nil {
			return "", err
		}
		h.log.Info("sent handshake", slog.String("peer", expectedID))
	}

	hs, err := c.ReadHandshake()
	if err != nil {
		h.log.Warn("handshake failed", slog.String("remote", c.RemoteAddr()), slog.Any("error", err))
		return "", err
	}
	if role == models.RoleActive && hs.PeerID != expectedID {
		return "", fmt.Errorf("%w: dialed %s, answered by %s", ErrUnknownPeer, expectedID, hs.PeerID)
	}
	if !h.reg.Has(hs.PeerID) {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, hs.PeerID)
	}
	h.log.Info("received handshake", slog.String("peer", hs.PeerID))

	if role == models.RolePassive {
		if err := c.SendHandshake(h.selfID); err != nil {
			return "", err
		}
		h.log.Info("connected from", slog.String("peer", hs.PeerID))
	} else {
		h.log.Info("connected to", slog.String("peer", hs.PeerID))
	}
	return hs.PeerID, nil
}
