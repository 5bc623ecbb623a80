package p2p

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/WendelHime/peershare/internal/decoder"
	"github.com/WendelHime/peershare/internal/metrics"
	"github.com/WendelHime/peershare/internal/shared/models"
)

// Conn frames protocol messages over a byte stream. Reads must come from a
// single goroutine; writes may come from any number of goroutines.
type Conn struct {
	conn    net.Conn
	wmu     sync.Mutex
	metrics *metrics.Metrics
}

func NewConn(conn net.Conn, m *metrics.Metrics) *Conn {
	return &Conn{conn: conn, metrics: m}
}

func Dial(ctx context.Context, address string, m *metrics.Metrics) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, m), nil
}

func (c *Conn) SendHandshake(peerID string) error {
	return c.write(EncodeHandshake(peerID))
}

func (c *Conn) ReadHandshake() (models.Handshake, error) {
	buf, err := decoder.ReadBytes(c.conn, HandshakeLength)
	if err != nil {
		return models.Handshake{}, lost(err)
	}
	return DecodeHandshake(buf)
}

func (c *Conn) WriteMessage(msg models.Message) error {
	buf, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := c.write(buf); err != nil {
		return err
	}
	c.metrics.MessageSent(msg.Type)
	return nil
}

func (c *Conn) ReadMessage() (models.Message, error) {
	msg, err := ReadMessage(c.conn)
	if err != nil {
		return models.Message{}, err
	}
	c.metrics.MessageReceived(msg.Type)
	return msg, nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) write(buf []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(buf)
	if err != nil {
		return lost(err)
	}
	return nil
}
