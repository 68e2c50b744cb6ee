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

// Package web exposes the server's operations over HTTP. The paths follow
// the wire API that existing clients already speak.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"go.mau.fi/signalserver/keyserver"
	"go.mau.fi/signalserver/keyserver/store"
)

// MessageQueue is the drain side of the spool: clients fetch their queued
// envelopes and acknowledge them one by one.
type MessageQueue interface {
	DequeueBatch(ctx context.Context, account uuid.UUID, deviceID, limit int) ([]*store.SpooledEnvelope, error)
	Acknowledge(ctx context.Context, account uuid.UUID, deviceID int, id uuid.UUID) error
	Clear(ctx context.Context, account uuid.UUID, deviceID int) error
}

// Server holds the HTTP surface over the core components.
type Server struct {
	log      zerolog.Logger
	server   *http.Server
	accounts *keyserver.AccountManager
	store    keyserver.AccountStore
	resolver *keyserver.Resolver
	keys     *keyserver.KeyDistribution
	sender   *keyserver.Sender
	queue    MessageQueue
}

func NewServer(log zerolog.Logger, addr string, store keyserver.AccountStore, accounts *keyserver.AccountManager, resolver *keyserver.Resolver, keys *keyserver.KeyDistribution, sender *keyserver.Sender, queue MessageQueue) *Server {
	s := &Server{
		log:      log,
		accounts: accounts,
		store:    store,
		resolver: resolver,
		keys:     keys,
		sender:   sender,
		queue:    queue,
	}
	router := mux.NewRouter()
	router.Use(hlog.NewHandler(log))
	router.Use(s.countRequests)

	router.HandleFunc("/v1/accounts", s.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/v1/accounts/whoami", s.requireAuth(s.handleWhoAmI)).Methods(http.MethodGet)
	router.HandleFunc("/v1/accounts/gcm", s.requireAuth(s.handleSetPushToken)).Methods(http.MethodPut)
	router.HandleFunc("/v1/accounts/gcm", s.requireAuth(s.handleClearPushToken)).Methods(http.MethodDelete)
	router.HandleFunc("/v1/accounts/fetches_messages", s.requireAuth(s.handleSetFetchesMessages)).Methods(http.MethodPut)
	router.HandleFunc("/v1/devices/provisioning/code", s.requireAuth(s.handleProvisioningCode)).Methods(http.MethodGet)
	router.HandleFunc("/v1/devices/{code}", s.handleLinkDevice).Methods(http.MethodPut)
	router.HandleFunc("/v1/devices/{device_id}", s.requireAuth(s.handleRemoveDevice)).Methods(http.MethodDelete)

	router.HandleFunc("/v2/keys", s.requireAuth(s.handleGetPreKeyCount)).Methods(http.MethodGet)
	router.HandleFunc("/v2/keys", s.requireAuth(s.handleSetKeys)).Methods(http.MethodPut)
	router.HandleFunc("/v2/keys/{uuid}/{device_selector}", s.optionalAuth(s.handleGetPreKeyBundle)).Methods(http.MethodGet)

	router.HandleFunc("/v1/messages", s.requireAuth(s.handleGetMessages)).Methods(http.MethodGet)
	router.HandleFunc("/v1/messages/{uuid}", s.optionalAuth(s.handleSendMessages)).Methods(http.MethodPut)
	router.HandleFunc("/v1/messages/{message_id}", s.requireAuth(s.handleAckMessage)).Methods(http.MethodDelete)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.log.Info().Str("address", s.server.Addr).Msg("Listening")
	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func JSONResponse(w http.ResponseWriter, status int, response any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError translates the core's typed errors into HTTP responses. There
// is deliberately no "not found" branch for target identifiers.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var mismatched *keyserver.MismatchedDevicesError
	var stale *keyserver.StaleDevicesError
	var badRequest *keyserver.BadRequestError
	var tooLarge *keyserver.PayloadTooLargeError
	var throttled *keyserver.ThrottledError
	switch {
	case errors.Is(err, keyserver.ErrUnauthorized):
		JSONResponse(w, http.StatusUnauthorized, &errorBody{Error: "unauthorized"})
	case errors.As(err, &mismatched):
		JSONResponse(w, http.StatusConflict, mismatched)
	case errors.As(err, &stale):
		JSONResponse(w, http.StatusGone, stale)
	case errors.As(err, &badRequest):
		JSONResponse(w, http.StatusBadRequest, &errorBody{Error: badRequest.Reason})
	case errors.As(err, &tooLarge):
		JSONResponse(w, http.StatusRequestEntityTooLarge, &errorBody{Error: tooLarge.Error()})
	case errors.As(err, &throttled):
		w.Header().Set("Retry-After", strconv.Itoa(int(throttled.RetryAfter.Seconds())+1))
		JSONResponse(w, http.StatusTooManyRequests, &errorBody{Error: "rate limit exceeded"})
	default:
		hlog.FromRequest(r).Err(err).Msg("Request failed")
		JSONResponse(w, http.StatusInternalServerError, &errorBody{Error: "internal server error"})
	}
}
