// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package recoverykey implements the user-facing recovery key encoding used for
// megolm key backups, as well as deriving backup keys from passphrases.
//
// https://spec.matrix.org/v1.9/client-server-api/#recovery-key
package recoverykey

import (
	"errors"
	"strings"

	"go.mau.fi/util/base58"
)

// ErrInvalidRecoveryKey is returned for every kind of malformed recovery key.
// The error intentionally doesn't say which check failed.
var ErrInvalidRecoveryKey = errors.New("invalid recovery key")

const (
	// KeyLength is the length of the raw private key inside a recovery key.
	KeyLength = 32

	groupSize = 4
)

var prefix = [2]byte{0x8B, 0x01}

const encodedLength = len(prefix) + KeyLength + 1

// Encode converts a raw 32-byte private key into the base58 recovery key
// format, split into space-separated groups of four characters.
func Encode(key []byte) string {
	data := make([]byte, 0, len(prefix)+len(key)+1)
	data = append(data, prefix[:]...)
	data = append(data, key...)
	data = append(data, parity(data))
	encoded := base58.Encode(data)

	var builder strings.Builder
	builder.Grow(len(encoded) + len(encoded)/groupSize)
	for i := 0; i < len(encoded); i += groupSize {
		if i > 0 {
			builder.WriteByte(' ')
		}
		builder.WriteString(encoded[i:min(i+groupSize, len(encoded))])
	}
	return builder.String()
}

// Decode parses a recovery key and returns the raw private key. Whitespace
// anywhere in the input is ignored.
func Decode(recoveryKey string) ([]byte, error) {
	compact := strings.Join(strings.Fields(recoveryKey), "")
	if compact == "" {
		return nil, ErrInvalidRecoveryKey
	}
	data := base58.Decode(compact)
	// The parity byte makes the XOR of the whole valid payload zero.
	if len(data) != encodedLength || data[0] != prefix[0] || data[1] != prefix[1] || parity(data) != 0 {
		return nil, ErrInvalidRecoveryKey
	}
	key := make([]byte, KeyLength)
	copy(key, data[len(prefix):len(prefix)+KeyLength])
	return key, nil
}

// IsValid returns true if the string can be decoded into a private key.
func IsValid(recoveryKey string) bool {
	_, err := Decode(recoveryKey)
	return err == nil
}

func parity(data []byte) (result byte) {
	for _, b := range data {
		result ^= b
	}
	return
}
