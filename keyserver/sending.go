// signalserver - A Signal-compatible secure messaging server.
// Copyright (C) 2024 Tulir Asokan
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package keyserver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go.mau.fi/signalserver/keyserver/types"
)

// DefaultMaxMessageSize is the per-message payload ceiling used when the
// config doesn't set one.
const DefaultMaxMessageSize = 256 * 1024

// Sender coordinates a send request: resolve, authorize, rate limit,
// size-check, validate device consistency, then fan the batch out to the
// destination's devices. The response shape never depends on whether the
// destination exists or whether delivery actually happened.
type Sender struct {
	resolver       *Resolver
	transport      DeliveryTransport
	pairLimiter    RateLimiter
	countryLimiter *CountryLimiter
	maxMessageSize int
}

func NewSender(resolver *Resolver, transport DeliveryTransport, pairLimiter RateLimiter, countryLimiter *CountryLimiter, maxMessageSize int) *Sender {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Sender{
		resolver:       resolver,
		transport:      transport,
		pairLimiter:    pairLimiter,
		countryLimiter: countryLimiter,
		maxMessageSize: maxMessageSize,
	}
}

// SendResult is the uniform success response of a send.
type SendResult struct {
	// NeedsSync tells the sender to sync the sent message to its own other
	// devices. It reflects the sender's device count, never the recipient's.
	NeedsSync bool `json:"needsSync"`
}

// SendMessages validates and delivers a message batch to every enabled
// device of the destination. caller is nil for anonymous (sealed) sends,
// which must present a valid access key instead.
func (s *Sender) SendMessages(ctx context.Context, caller *AuthenticatedDevice, destination uuid.UUID, accessKey []byte, list *types.IncomingMessageList) (*SendResult, error) {
	log := zerolog.Ctx(ctx)

	target, err := s.resolver.Resolve(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination: %w", err)
	}
	if err = VerifyAccess(caller, accessKey, target); err != nil {
		return nil, err
	}
	if caller != nil {
		if err = s.rateLimit(caller, target); err != nil {
			return nil, err
		}
	}
	for i := range list.Messages {
		if size := list.Messages[i].Size(); size > s.maxMessageSize {
			return nil, &PayloadTooLargeError{Limit: s.maxMessageSize, Size: size}
		}
	}

	isSelfSend := caller != nil && caller.Account.UUID == target.UUID()
	senderDeviceID := 0
	if isSelfSend {
		senderDeviceID = caller.Device.ID
	}
	// Validation runs to completion before any delivery is attempted, and
	// identically for stored and derived targets.
	if err = ValidateCompleteDeviceList(target, list.Messages, isSelfSend, senderDeviceID); err != nil {
		return nil, err
	}
	if err = ValidateRegistrationIDs(target, list.Messages); err != nil {
		return nil, err
	}

	serverTimestamp := time.Now().UnixMilli()
	if account := target.realAccount(); account != nil {
		for i := range list.Messages {
			msg := &list.Messages[i]
			device := account.Device(msg.DestinationDeviceID)
			if !device.Enabled() {
				continue
			}
			envelope := s.buildEnvelope(caller, msg, list, serverTimestamp)
			delivered, err := s.transport.Deliver(ctx, account.UUID, device, envelope)
			if err != nil || !delivered {
				// Unreachable devices never change the response: the master
				// device case must not be distinguishable from success, and
				// secondary devices are skipped outright.
				log.Debug().
					Err(err).
					Int("device_id", device.ID).
					Bool("master", device.ID == types.MasterDeviceID).
					Msg("Message not delivered to device")
			}
		}
	}

	needsSync := false
	if caller != nil {
		needsSync = len(caller.Account.EnabledDeviceIDs()) > 1
	}
	return &SendResult{NeedsSync: needsSync}, nil
}

func (s *Sender) rateLimit(caller *AuthenticatedDevice, target Target) error {
	if s.pairLimiter != nil {
		key := fmt.Sprintf("message-send/%s/%s", caller.Account.UUID, target.UUID())
		if err := s.pairLimiter.Validate(key); err != nil {
			return err
		}
	}
	if s.countryLimiter != nil {
		if err := s.countryLimiter.Validate(caller.Account.Number); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) buildEnvelope(caller *AuthenticatedDevice, msg *types.IncomingMessage, list *types.IncomingMessageList, serverTimestamp int64) *types.Envelope {
	envelope := &types.Envelope{
		Type:            types.EnvelopeType(msg.Type),
		Timestamp:       list.Timestamp,
		ServerTimestamp: serverTimestamp,
		Content:         msg.Content,
		LegacyMessage:   msg.Body,
		Urgent:          list.Urgent,
	}
	if caller != nil {
		envelope.AuthenticatedSender = caller.Account.UUID
		if types.EnvelopeType(msg.Type) != types.EnvelopeTypeUnidentifiedSender {
			envelope.SourceUUID = caller.Account.UUID
			envelope.SourceDeviceID = caller.Device.ID
		}
	}
	return envelope
}
