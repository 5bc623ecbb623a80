package p2p

import (
	"bytes"
	"fmt"

	"github.com/WendelHime/peershare/internal/shared/models"
)

const (
	HandshakeHeader = "P2PFILESHARINGPROJ"

	HandshakeLength       = 32
	handshakeHeaderLength = 18
	handshakeZeroLength   = 10
	handshakePeerIDLength = 4
)

// EncodeHandshake renders the 32 byte handshake: header, ten zero bytes and the
// peer id right aligned in its four bytes.
func EncodeHandshake(peerID string) []byte {
	buf := make([]byte, HandshakeLength)
	copy(buf, fixedWidth(HandshakeHeader, handshakeHeaderLength))
	copy(buf[handshakeHeaderLength+handshakeZeroLength:], fixedWidth(peerID, handshakePeerIDLength))
	return buf
}

func DecodeHandshake(buf []byte) (models.Handshake, error) {
	if len(buf) != HandshakeLength {
		return models.Handshake{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedHandshake, HandshakeLength, len(buf))
	}

	header := string(buf[:handshakeHeaderLength])
	if header != HandshakeHeader {
		return models.Handshake{}, fmt.Errorf("%w: unexpected header %q", ErrMalformedHandshake, header)
	}

	peerID := string(bytes.Trim(buf[handshakeHeaderLength+handshakeZeroLength:], "\x00 "))
	if peerID == "" {
		return models.Handshake{}, fmt.Errorf("%w: empty peer id", ErrMalformedHandshake)
	}

	return models.Handshake{Header: header, PeerID: peerID}, nil
}

// fixedWidth truncates s to width bytes or left pads it with zero bytes.
func fixedWidth(s string, width int) []byte {
	b := []byte(s)
	if len(b) >= width {
		return b[:width]
	}
	padded := make([]byte, width)
	copy(padded[width-len(b):], b)
	return padded
}
