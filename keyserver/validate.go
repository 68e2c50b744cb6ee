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
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.mau.fi/signalserver/keyserver/types"
)

// ValidateCompleteDeviceList checks that the batch targets exactly the
// target's enabled device set. For self-directed sends the sender's own
// authenticated device is excluded from the expected set first, since a
// client never messages the device it is currently connected from.
func ValidateCompleteDeviceList(target Target, messages []types.IncomingMessage, isSelfSend bool, senderDeviceID int) error {
	expected := make(map[int]struct{})
	for _, id := range target.EnabledDeviceIDs() {
		expected[id] = struct{}{}
	}
	if isSelfSend {
		delete(expected, senderDeviceID)
	}

	var extra []int
	for _, msg := range messages {
		if _, ok := expected[msg.DestinationDeviceID]; ok {
			delete(expected, msg.DestinationDeviceID)
		} else {
			extra = append(extra, msg.DestinationDeviceID)
		}
	}
	if len(expected) > 0 || len(extra) > 0 {
		missing := maps.Keys(expected)
		slices.Sort(missing)
		slices.Sort(extra)
		return &MismatchedDevicesError{
			MissingDevices: missing,
			ExtraDevices:   extra,
		}
	}
	return nil
}

// ValidateRegistrationIDs checks each batch entry's claimed registration ID
// against the device's current one. A claim of 0 means the sender doesn't
// know the registration ID and is not treated as stale. Must only be called
// after ValidateCompleteDeviceList passed: a client has to fix its device
// roster before registration ID mismatches mean anything.
func ValidateRegistrationIDs(target Target, messages []types.IncomingMessage) error {
	var stale []int
	for _, msg := range messages {
		dev := target.Device(msg.DestinationDeviceID)
		if dev == nil || !dev.Enabled() {
			continue
		}
		if msg.DestinationRegistrationID > 0 && msg.DestinationRegistrationID != dev.RegistrationID() {
			stale = append(stale, msg.DestinationDeviceID)
		}
	}
	if len(stale) > 0 {
		slices.Sort(stale)
		return &StaleDevicesError{StaleDevices: stale}
	}
	return nil
}
