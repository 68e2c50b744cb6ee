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
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"go.mau.fi/signalserver/keyserver"
	"go.mau.fi/signalserver/keyserver/types"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		JSONResponse(w, http.StatusBadRequest, &errorBody{Error: "malformed JSON body"})
		return false
	}
	return true
}

// parseTargetUUID parses the {uuid} path variable. Malformed identifiers are
// a plain BadRequest; whether a well-formed identifier is registered is
// never reflected in any response.
func parseTargetUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	target, err := uuid.Parse(mux.Vars(r)["uuid"])
	if err != nil {
		JSONResponse(w, http.StatusBadRequest, &errorBody{Error: "malformed identifier"})
		return uuid.Nil, false
	}
	return target, true
}

type registerRequest struct {
	Number                string                   `json:"number"`
	AuthSecret            string                   `json:"authSecret"`
	RegistrationID        int                      `json:"registrationId"`
	IdentityKey           []byte                   `json:"identityKey"`
	UnidentifiedAccessKey []byte                   `json:"unidentifiedAccessKey"`
	UnrestrictedAccess    bool                     `json:"unrestrictedUnidentifiedAccess"`
	Discoverable          bool                     `json:"discoverable"`
	FetchesMessages       bool                     `json:"fetchesMessages"`
	Capabilities          types.DeviceCapabilities `json:"capabilities"`
}

type registerResponse struct {
	UUID     uuid.UUID `json:"uuid"`
	DeviceID int       `json:"deviceId"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, err := s.accounts.Register(r.Context(), &keyserver.RegistrationRequest{
		Number:                req.Number,
		AuthSecret:            req.AuthSecret,
		RegistrationID:        req.RegistrationID,
		IdentityKey:           req.IdentityKey,
		UnidentifiedAccessKey: req.UnidentifiedAccessKey,
		UnrestrictedAccess:    req.UnrestrictedAccess,
		Discoverable:          req.Discoverable,
		FetchesMessages:       req.FetchesMessages,
		Capabilities:          req.Capabilities,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, &registerResponse{UUID: account.UUID, DeviceID: types.MasterDeviceID})
}

type whoAmIResponse struct {
	UUID     uuid.UUID `json:"uuid"`
	Number   string    `json:"number"`
	DeviceID int       `json:"deviceId"`
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request, caller *keyserver.AuthenticatedDevice) {
	JSONResponse(w, http.StatusOK, &whoAmIResponse{
		UUID:     caller.Account.UUID,
		Number:   caller.Account.Number,
		DeviceID: caller.Device.ID,
	})
}

type setPushTokenRequest struct {
	Token string `json:"gcmRegistrationId"`
}

func (s *Server) handleSetPushToken(w http.ResponseWriter, r *http.Request, caller *keyserver.AuthenticatedDevice) {
	var req setPushTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		JSONResponse(w, http.StatusBadRequest, &errorBody{Error: "missing push token"})
		return
	}
	err := s.accounts.SetPushToken(r.Context(), caller.Account, caller.Device.ID, req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearPushToken(w http.ResponseWriter, r *http.Request, caller *keyserver.AuthenticatedDevice) {
	err := s.accounts.ClearPushToken(r.Context(), caller.Account, caller.Device.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setFetchesMessagesRequest struct {
	FetchesMessages bool `json:"fetchesMessages"`
}

func (s *Server) handleSetFetchesMessages(w http.ResponseWriter, r *http.Request, caller *keyserver.AuthenticatedDevice) {
	var req setFetchesMessagesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.accounts.SetFetchesMessages(r.Context(), caller.Account, caller.Device.ID, req.FetchesMessages)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type provisioningCodeResponse struct {
	VerificationCode string `json:"verificationCode"`
}

func (s *Server) handleProvisioningCode(w http.ResponseWriter, r *http.Request, caller *keyserver.AuthenticatedDevice) {
	if caller.Device.ID != types.MasterDeviceID {
		writeError(w, r, keyserver.ErrUnauthorized)
		return
	}
	code := s.accounts.CreateProvisioningCode(caller.Account)
	JSONResponse(w, http.StatusOK, &provisioningCodeResponse{VerificationCode: code})
}

type linkDeviceRequest struct {
	AuthSecret      string                   `json:"authSecret"`
	RegistrationID  int                      `json:"registrationId"`
	SignedPreKey    *types.SignedPreKey      `json:"signedPreKey"`
	FetchesMessages bool                     `json:"fetchesMessages"`
	Capabilities    types.DeviceCapabilities `json:"capabilities"`
}

type linkDeviceResponse struct {
	UUID     uuid.UUID `json:"uuid"`
	DeviceID int       `json:"deviceId"`
}

func (s *Server) handleLinkDevice(w http.ResponseWriter, r *http.Request) {
	var req linkDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, device, err := s.accounts.AddDevice(r.Context(), mux.Vars(r)["code"], &keyserver.DeviceLinkRequest{
		AuthSecret:      req.AuthSecret,
		RegistrationID:  req.RegistrationID,
		SignedPreKey:    req.SignedPreKey,
		FetchesMessages: req.FetchesMessages,
		Capabilities:    req.Capabilities,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, &linkDeviceResponse{UUID: account.UUID, DeviceID: device.ID})
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request, caller *keyserver.AuthenticatedDevice) {
	deviceID, err := strconv.Atoi(mux.Vars(r)["device_id"])
	if err != nil {
		JSONResponse(w, http.StatusBadRequest, &errorBody{Error: "malformed device ID"})
		return
	}
	if caller.Device.ID != types.MasterDeviceID {
		writeError(w, r, keyserver.ErrUnauthorized)
		return
	}
	if err = s.accounts.RemoveDevice(r.Context(), caller.Account, deviceID); err != nil {
		writeError(w, r, err)
		return
	}
	if err = s.queue.Clear(r.Context(), caller.Account.UUID, deviceID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// messageBatchLimit caps how many queued envelopes one fetch returns.
const messageBatchLimit = 100

type queuedMessage struct {
	GUID            uuid.UUID `json:"guid"`
	Type            int       `json:"type"`
	Timestamp       int64     `json:"timestamp"`
	ServerTimestamp int64     `json:"serverTimestamp"`
	Source          string    `json:"source,omitempty"`
	SourceDevice    int       `json:"sourceDevice,omitempty"`
	Message         []byte    `json:"message,omitempty"`
	Content         []byte    `json:"content,omitempty"`
	Urgent          bool      `json:"urgent,omitempty"`
}

type queuedMessageList struct {
	Messages []queuedMessage `json:"messages"`
	More     bool            `json:"more"`
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request, caller *keyserver.AuthenticatedDevice) {
	batch, err := s.queue.DequeueBatch(r.Context(), caller.Account.UUID, caller.Device.ID, messageBatchLimit+1)
	if err != nil {
		writeError(w, r, err)
		return
	}
	more := len(batch) > messageBatchLimit
	if more {
		batch = batch[:messageBatchLimit]
	}
	list := &queuedMessageList{Messages: make([]queuedMessage, len(batch)), More: more}
	for i, entry := range batch {
		msg := queuedMessage{
			GUID:            entry.ID,
			Type:            int(entry.Envelope.Type),
			Timestamp:       entry.Envelope.Timestamp,
			ServerTimestamp: entry.Envelope.ServerTimestamp,
			Message:         entry.Envelope.LegacyMessage,
			Content:         entry.Envelope.Content,
			Urgent:          entry.Envelope.Urgent,
		}
		// The accountability sender stays server-side; only the
		// protocol-level source is handed to the client.
		if entry.Envelope.SourceUUID != uuid.Nil {
			msg.Source = entry.Envelope.SourceUUID.String()
			msg.SourceDevice = entry.Envelope.SourceDeviceID
		}
		list.Messages[i] = msg
	}
	JSONResponse(w, http.StatusOK, list)
}

func (s *Server) handleAckMessage(w http.ResponseWriter, r *http.Request, caller *keyserver.AuthenticatedDevice) {
	id, err := uuid.Parse(mux.Vars(r)["message_id"])
	if err != nil {
		JSONResponse(w, http.StatusBadRequest, &errorBody{Error: "malformed message ID"})
		return
	}
	if err = s.queue.Acknowledge(r.Context(), caller.Account.UUID, caller.Device.ID, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type preKeyCountResponse struct {
	Count int `json:"count"`
}

func (s *Server) handleGetPreKeyCount(w http.ResponseWriter, r *http.Request, caller *keyserver.AuthenticatedDevice) {
	target, err := s.resolver.Resolve(r.Context(), caller.Account.UUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	count, err := s.keys.PreKeyCount(r.Context(), target, caller.Device.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, &preKeyCountResponse{Count: count})
}

func (s *Server) handleSetKeys(w http.ResponseWriter, r *http.Request, caller *keyserver.AuthenticatedDevice) {
	var req keyserver.SetKeysRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.keys.SetKeys(r.Context(), caller.Account, caller.Device.ID, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPreKeyBundle(w http.ResponseWriter, r *http.Request, caller *keyserver.AuthenticatedDevice) {
	targetUUID, ok := parseTargetUUID(w, r)
	if !ok {
		return
	}
	selector, err := keyserver.ParseDeviceSelector(mux.Vars(r)["device_selector"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	target, err := s.resolver.Resolve(r.Context(), targetUUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err = keyserver.VerifyAccess(caller, accessKey(r), target); err != nil {
		writeError(w, r, err)
		return
	}
	bundle, err := s.keys.PreKeyBundle(r.Context(), target, selector)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(bundle.Devices) == 0 {
		// Reachable for stored accounts with exhausted devices and for
		// derived targets via out-of-roster device IDs alike.
		JSONResponse(w, http.StatusNotFound, &errorBody{Error: "no keys available"})
		return
	}
	preKeyBundlesServed.Inc()
	JSONResponse(w, http.StatusOK, bundle)
}

func (s *Server) handleSendMessages(w http.ResponseWriter, r *http.Request, caller *keyserver.AuthenticatedDevice) {
	targetUUID, ok := parseTargetUUID(w, r)
	if !ok {
		return
	}
	var list types.IncomingMessageList
	if !decodeJSON(w, r, &list) {
		return
	}
	result, err := s.sender.SendMessages(r.Context(), caller, targetUUID, accessKey(r), &list)
	if err != nil {
		writeError(w, r, err)
		return
	}
	messagesAccepted.Add(float64(len(list.Messages)))
	JSONResponse(w, http.StatusOK, result)
}
