package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/WendelHime/peershare/internal/decoder"
	"github.com/WendelHime/peershare/internal/shared/models"
)

const (
	lengthPrefixSize = 4
	typeSize         = 1
	headerSize       = lengthPrefixSize + typeSize
	pieceIndexSize   = 4

	// MaxMessageLength bounds the length prefix on both encode and decode.
	MaxMessageLength = 64 << 20
	// MaxPieceSize is the largest piece whose PIECE message still fits.
	MaxPieceSize = MaxMessageLength - typeSize - pieceIndexSize
)

func EncodeMessage(msg models.Message) ([]byte, error) {
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrTypeInvalid, msg.Type)
	}
	length := uint64(len(msg.Payload)) + typeSize
	if length > MaxMessageLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(msg.Payload))
	}

	buf := make([]byte, headerSize, headerSize+len(msg.Payload))
	binary.BigEndian.PutUint32(buf, uint32(length))
	buf[lengthPrefixSize] = byte(msg.Type)
	buf = append(buf, msg.Payload...)
	return buf, nil
}

// DecodeMessage parses one complete frame. The length prefix must account for
// exactly the bytes that follow it.
func DecodeMessage(buf []byte) (models.Message, error) {
	if len(buf) < headerSize {
		return models.Message{}, fmt.Errorf("%w: frame of %d bytes is shorter than the header", ErrMalformedMessage, len(buf))
	}
	length, msgType, err := parseHeader(buf[:headerSize])
	if err != nil {
		return models.Message{}, err
	}
	if int(length) != len(buf)-lengthPrefixSize {
		return models.Message{}, fmt.Errorf("%w: length prefix %d does not match %d trailing bytes", ErrMalformedMessage, length, len(buf)-lengthPrefixSize)
	}

	return models.Message{Type: msgType, Payload: payloadOf(buf[headerSize:])}, nil
}

// ReadMessage reads the fixed header and then exactly length-1 payload bytes.
func ReadMessage(r io.Reader) (models.Message, error) {
	header, err := decoder.ReadBytes(r, headerSize)
	if err != nil {
		return models.Message{}, lost(err)
	}
	length, msgType, err := parseHeader(header)
	if err != nil {
		return models.Message{}, err
	}

	payload, err := decoder.ReadBytes(r, int(length)-typeSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return models.Message{}, lost(err)
	}

	return models.Message{Type: msgType, Payload: payloadOf(payload)}, nil
}

func parseHeader(header []byte) (uint32, models.MessageType, error) {
	length := binary.BigEndian.Uint32(header[:lengthPrefixSize])
	msgType := models.MessageType(header[lengthPrefixSize])
	switch {
	case length < typeSize:
		return 0, 0, fmt.Errorf("%w: zero length prefix", ErrMalformedMessage)
	case length > MaxMessageLength:
		return 0, 0, fmt.Errorf("%w: length prefix %d exceeds %d", ErrMalformedMessage, length, MaxMessageLength)
	case !msgType.Valid():
		return 0, 0, fmt.Errorf("%w: unknown type %s", ErrMalformedMessage, msgType)
	}
	return length, msgType, nil
}

func payloadOf(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func lost(err error) error {
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

func EncodeRequest(index int) []byte {
	payload := make([]byte, pieceIndexSize)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return payload
}

func DecodeRequest(payload []byte) (int, error) {
	if len(payload) != pieceIndexSize {
		return 0, fmt.Errorf("%w: request payload of %d bytes", ErrMalformedMessage, len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

func EncodePiece(index int, data []byte) []byte {
	payload := make([]byte, pieceIndexSize, pieceIndexSize+len(data))
	binary.BigEndian.PutUint32(payload, uint32(index))
	return append(payload, data...)
}

func DecodePiece(payload []byte) (int, []byte, error) {
	if len(payload) < pieceIndexSize {
		return 0, nil, fmt.Errorf("%w: piece payload of %d bytes", ErrMalformedMessage, len(payload))
	}
	return int(binary.BigEndian.Uint32(payload[:pieceIndexSize])), payload[pieceIndexSize:], nil
}
