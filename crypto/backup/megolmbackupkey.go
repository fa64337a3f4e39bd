// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backup

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"maunium.net/go/keybackup/crypto/recoverykey"
	"maunium.net/go/keybackup/id"
)

// MegolmBackupKey is a wrapper around an ECDH X25519 private key that is used
// to decrypt a megolm key backup.
type MegolmBackupKey struct {
	*ecdh.PrivateKey
}

// NewMegolmBackupKey generates a new random backup key pair.
func NewMegolmBackupKey() (*MegolmBackupKey, error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MegolmBackupKey{key}, nil
}

// MegolmBackupKeyFromBytes wraps the given raw 32-byte private key.
func MegolmBackupKeyFromBytes(bytes []byte) (*MegolmBackupKey, error) {
	key, err := ecdh.X25519().NewPrivateKey(bytes)
	if err != nil {
		return nil, err
	}
	return &MegolmBackupKey{key}, nil
}

// MegolmBackupKeyFromRecoveryKey decodes a recovery key string into a backup key.
func MegolmBackupKeyFromRecoveryKey(recoveryKey string) (*MegolmBackupKey, error) {
	keyBytes, err := recoverykey.Decode(recoveryKey)
	if err != nil {
		return nil, err
	}
	key, err := MegolmBackupKeyFromBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", recoverykey.ErrInvalidRecoveryKey, err)
	}
	return key, nil
}

// RecoveryKey returns the user-facing recovery key for this backup key.
func (key *MegolmBackupKey) RecoveryKey() string {
	return recoverykey.Encode(key.Bytes())
}

// PublicKeyString returns the unpadded base64 public key, as stored in the
// public_key field of the backup auth data.
func (key *MegolmBackupKey) PublicKeyString() id.Curve25519 {
	return id.Curve25519(base64.RawStdEncoding.EncodeToString(key.PublicKey().Bytes()))
}

// MatchesPublicKey checks whether this private key belongs to the given public key.
func (key *MegolmBackupKey) MatchesPublicKey(publicKey id.Curve25519) bool {
	parsed, err := ParsePublicKey(publicKey)
	return err == nil && parsed.Equal(key.PublicKey())
}

// ParsePublicKey parses an unpadded base64 curve25519 public key.
func ParsePublicKey(publicKey id.Curve25519) (*ecdh.PublicKey, error) {
	keyBytes, err := base64.RawStdEncoding.DecodeString(string(publicKey))
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	return ecdh.X25519().NewPublicKey(keyBytes)
}
