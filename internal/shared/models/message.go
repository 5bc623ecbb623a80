package models

import "fmt"

// MessageType is the ASCII digit carried in the fifth byte of every framed message.
type MessageType byte

const (
	MessageTypeChoke MessageType = '0' + iota
	MessageTypeUnchoke
	MessageTypeInterested
	MessageTypeNotInterested
	MessageTypeHave
	MessageTypeBitfield
	MessageTypeRequest
	MessageTypePiece
	// MessageTypeDownloaded announces that the sender holds the complete file.
	MessageTypeDownloaded
)

var messageTypeNames = map[MessageType]string{
	MessageTypeChoke:         "CHOKE",
	MessageTypeUnchoke:       "UNCHOKE",
	MessageTypeInterested:    "INTERESTED",
	MessageTypeNotInterested: "NOT_INTERESTED",
	MessageTypeHave:          "HAVE",
	MessageTypeBitfield:      "BITFIELD",
	MessageTypeRequest:       "REQUEST",
	MessageTypePiece:         "PIECE",
	MessageTypeDownloaded:    "DOWNLOADED",
}

func (t MessageType) Valid() bool {
	return t >= MessageTypeChoke && t <= MessageTypeDownloaded
}

// HasPayload reports whether messages of this type carry bytes after the type code.
func (t MessageType) HasPayload() bool {
	switch t {
	case MessageTypeHave, MessageTypeBitfield, MessageTypeRequest, MessageTypePiece:
		return true
	}
	return false
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%#x)", byte(t))
}

type Message struct {
	Type    MessageType
	Payload []byte
}

type Handshake struct {
	Header string
	PeerID string
}
