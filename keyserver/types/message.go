package types

import (
	"github.com/google/uuid"
)

type EnvelopeType int

// Envelope type tags, matching the values clients put on the wire.
const (
	EnvelopeTypeUnknown            EnvelopeType = 0
	EnvelopeTypeCiphertext         EnvelopeType = 1
	EnvelopeTypeKeyExchange        EnvelopeType = 2
	EnvelopeTypePreKeyBundle       EnvelopeType = 3
	EnvelopeTypeReceipt            EnvelopeType = 5
	EnvelopeTypeUnidentifiedSender EnvelopeType = 6
)

// Envelope is the per-device unit handed to the delivery transport. The
// server never persists it itself; the transport owns it from there on.
type Envelope struct {
	Type            EnvelopeType `cbor:"1,keyasint"`
	Timestamp       int64        `cbor:"2,keyasint"`
	ServerTimestamp int64        `cbor:"3,keyasint"`

	// SourceUUID and SourceDeviceID are only set when the sender chose
	// identified delivery.
	SourceUUID     uuid.UUID `cbor:"4,keyasint,omitempty"`
	SourceDeviceID int       `cbor:"5,keyasint,omitempty"`

	LegacyMessage []byte `cbor:"6,keyasint,omitempty"`
	Content       []byte `cbor:"7,keyasint,omitempty"`

	// AuthenticatedSender records who was authenticated when the message was
	// accepted, for abuse handling, even when the protocol-level source is
	// omitted. It is never exposed to the recipient's protocol layer.
	AuthenticatedSender uuid.UUID `cbor:"8,keyasint,omitempty"`

	Urgent bool `cbor:"9,keyasint,omitempty"`
}

// IncomingMessage is one entry of a send batch, targeting a single device of
// the destination account.
type IncomingMessage struct {
	Type                      int    `json:"type"`
	DestinationDeviceID       int    `json:"destinationDeviceId"`
	DestinationRegistrationID int    `json:"destinationRegistrationId"`
	Content                   []byte `json:"content"`
	Body                      []byte `json:"body"`
}

// Size returns the number of payload bytes counted against the per-message
// size ceiling.
func (im *IncomingMessage) Size() int {
	return len(im.Content) + len(im.Body)
}

type IncomingMessageList struct {
	Timestamp int64             `json:"timestamp"`
	Online    bool              `json:"online"`
	Urgent    bool              `json:"urgent"`
	Messages  []IncomingMessage `json:"messages"`
}

// PreKeyBundle mirrors the response shape of a key lookup: one identity key
// plus an entry per selected device. The device list may be empty.
type PreKeyBundle struct {
	IdentityKey []byte               `json:"identityKey"`
	Devices     []PreKeyBundleDevice `json:"devices"`
}

type PreKeyBundleDevice struct {
	DeviceID       int            `json:"deviceId"`
	RegistrationID int            `json:"registrationId"`
	SignedPreKey   *SignedPreKey  `json:"signedPreKey"`
	PreKey         *OneTimePreKey `json:"preKey,omitempty"`
}
