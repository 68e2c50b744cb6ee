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
	"errors"
	"fmt"
	"time"
)

// The full set of failure modes visible to callers. Target nonexistence is
// deliberately not among them: lookups of unknown identifiers return derived
// data instead of an error.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrVersionMismatch = errors.New("account was modified concurrently")
)

// BadRequestError covers malformed input: bad device selectors, bad
// identifiers, invalid key uploads.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return "bad request: " + e.Reason
}

// MismatchedDevicesError reports that a send batch doesn't exactly cover the
// destination's enabled device set. It is only returned to callers that
// already passed access verification.
type MismatchedDevicesError struct {
	MissingDevices []int `json:"missingDevices"`
	ExtraDevices   []int `json:"extraDevices"`
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("mismatched devices: missing %v, extra %v", e.MissingDevices, e.ExtraDevices)
}

// StaleDevicesError reports batch entries whose claimed registration ID no
// longer matches the device's current one.
type StaleDevicesError struct {
	StaleDevices []int `json:"staleDevices"`
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("stale devices: %v", e.StaleDevices)
}

type PayloadTooLargeError struct {
	Limit int
	Size  int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("message of %d bytes exceeds the %d byte limit", e.Size, e.Limit)
}

type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %v", e.RetryAfter)
}
