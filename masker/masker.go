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

// Package masker derives reproducible-yet-unpredictable byte streams from a
// server-wide secret. The output is used to stand in for key material of
// accounts that don't exist, so lookups can't be used to enumerate accounts.
package masker

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"go.mau.fi/util/exsync"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the minimum number of bytes of entropy input accepted by New.
const MinSecretLength = 32

// Masker is a keyed deterministic generator. For a fixed secret, Derive is a
// pure function of the label, and NextStreamOutput is a pure function of
// (label, call index). The secret is never rotated within a process.
type Masker struct {
	secret   []byte
	counters *exsync.Map[string, *atomic.Uint64]
}

func New(secret []byte) (*Masker, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("masker secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	ownSecret := make([]byte, len(secret))
	copy(ownSecret, secret)
	return &Masker{
		secret:   ownSecret,
		counters: exsync.NewMap[string, *atomic.Uint64](),
	}, nil
}

// Derive returns n bytes of HKDF-SHA256 output keyed by the secret and bound
// to the given label. Repeated calls with the same label return the same bytes.
func (m *Masker) Derive(label string, n int) []byte {
	return m.expand(label, nil, n)
}

// NextStreamOutput returns n bytes bound to the label and a label-scoped call
// counter, so repeated calls with the same label yield distinct output.
func (m *Masker) NextStreamOutput(label string, n int) []byte {
	counter, _ := m.counters.GetOrSet(label, &atomic.Uint64{})
	var index [8]byte
	binary.BigEndian.PutUint64(index[:], counter.Add(1))
	return m.expand(label, index[:], n)
}

func (m *Masker) expand(label string, suffix []byte, n int) []byte {
	info := make([]byte, 0, len(label)+1+len(suffix))
	info = append(info, label...)
	if suffix != nil {
		info = append(info, 0)
		info = append(info, suffix...)
	}
	out := make([]byte, n)
	_, err := io.ReadFull(hkdf.New(sha256.New, m.secret, nil, info), out)
	if err != nil {
		// HKDF-SHA256 only errors past 255*32 bytes of output, far beyond any
		// key material this server derives.
		panic(fmt.Errorf("hkdf read failed: %w", err))
	}
	return out
}
