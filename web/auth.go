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

package web

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/crypto/bcrypt"

	"go.mau.fi/signalserver/keyserver"
)

// accessKeyHeader carries the anonymous access key for unauthenticated
// requests, base64-encoded.
const accessKeyHeader = "Unidentified-Access-Key"

// authenticate resolves basic auth of the form "uuid.deviceID:secret" into
// the calling device. It returns (nil, nil) when no credentials were sent.
func (s *Server) authenticate(r *http.Request) (*keyserver.AuthenticatedDevice, error) {
	username, secret, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}
	deviceID := 1
	if name, rawDeviceID, found := strings.Cut(username, "."); found {
		var err error
		deviceID, err = strconv.Atoi(rawDeviceID)
		if err != nil {
			return nil, keyserver.ErrUnauthorized
		}
		username = name
	}
	accountUUID, err := uuid.Parse(username)
	if err != nil {
		return nil, keyserver.ErrUnauthorized
	}
	account, err := s.store.AccountByUUID(r.Context(), accountUUID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, keyserver.ErrUnauthorized
	}
	device := account.Device(deviceID)
	if !device.Enabled() {
		return nil, keyserver.ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(device.AuthTokenHash), []byte(secret)) != nil {
		return nil, keyserver.ErrUnauthorized
	}
	return &keyserver.AuthenticatedDevice{Account: account, Device: device}, nil
}

type authedHandler func(w http.ResponseWriter, r *http.Request, caller *keyserver.AuthenticatedDevice)

// requireAuth rejects requests without valid device credentials.
func (s *Server) requireAuth(handler authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.authenticate(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if caller == nil {
			writeError(w, r, keyserver.ErrUnauthorized)
			return
		}
		handler(w, r, caller)
	}
}

// optionalAuth passes through anonymous requests with caller == nil; access
// control then falls to the per-target access key verification in the core.
func (s *Server) optionalAuth(handler authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.authenticate(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		handler(w, r, caller)
	}
}

// accessKey decodes the anonymous access key header, or returns nil if it's
// absent or malformed. A malformed key just fails verification later; it
// must not produce a distinct error shape.
func accessKey(r *http.Request) []byte {
	raw := r.Header.Get(accessKeyHeader)
	if raw == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		hlog.FromRequest(r).Debug().Msg("Ignoring malformed access key header")
		return nil
	}
	return key
}
