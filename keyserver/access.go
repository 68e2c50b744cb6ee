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
	"crypto/subtle"

	"go.mau.fi/signalserver/keyserver/types"
)

// AuthenticatedDevice is a caller that passed credential authentication.
type AuthenticatedDevice struct {
	Account *types.Account
	Device  *types.Device
}

// VerifyAccess authorizes an operation against a target: either the caller
// is authenticated, or it presented an anonymous access key matching the
// target's unidentified-access key, or the target allows unrestricted
// anonymous access. The same comparisons run for every target variant, so
// the decision doesn't leak whether the target exists.
func VerifyAccess(caller *AuthenticatedDevice, accessKey []byte, target Target) error {
	if caller != nil {
		return nil
	}
	targetKey := target.UnidentifiedAccessKey()
	keyMatches := len(accessKey) > 0 && len(targetKey) > 0 &&
		subtle.ConstantTimeCompare(accessKey, targetKey) == 1
	if keyMatches || target.UnrestrictedUnidentifiedAccess() {
		return nil
	}
	return ErrUnauthorized
}
