// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backup

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.mau.fi/util/jsonbytes"
	"golang.org/x/crypto/hkdf"

	"maunium.net/go/keybackup/crypto/aescbc"
)

var (
	ErrInvalidMAC          = errors.New("invalid MAC")
	ErrDecryptionFailed    = errors.New("failed to decrypt session data")
	ErrMissingEphemeralKey = errors.New("missing ephemeral key")
)

const macLength = 8

// Envelope is the output of the curve25519-aes-sha2 public key encryption.
type Envelope struct {
	Ciphertext jsonbytes.UnpaddedBytes `json:"ciphertext"`
	Ephemeral  EphemeralKey            `json:"ephemeral"`
	MAC        jsonbytes.UnpaddedBytes `json:"mac"`
}

// EncryptedSessionData is the encrypted session_data field of a key backup as
// defined in [Section 11.12.3.2.2 of the Spec].
//
// The type parameter T represents the format of the session data contained in
// the encrypted payload.
//
// [Section 11.12.3.2.2 of the Spec]: https://spec.matrix.org/v1.9/client-server-api/#backup-algorithm-mmegolm_backupv1curve25519-aes-sha2
type EncryptedSessionData[T any] struct {
	Envelope
}

type derivedKeys struct {
	aesKey []byte
	macKey []byte
	iv     []byte
}

func deriveKeys(sharedSecret []byte) (*derivedKeys, error) {
	keys := make([]byte, 80)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, nil), keys); err != nil {
		return nil, err
	}
	return &derivedKeys{aesKey: keys[:32], macKey: keys[32:64], iv: keys[64:]}, nil
}

// compatMAC computes the MAC the way libolm does, which is over an empty
// input instead of the ciphertext. Every existing backup uses this format.
func (dk *derivedKeys) compatMAC() []byte {
	return hmac.New(sha256.New, dk.macKey).Sum(nil)[:macLength]
}

func (dk *derivedKeys) ciphertextMAC(ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, dk.macKey)
	mac.Write(ciphertext)
	return mac.Sum(nil)[:macLength]
}

// Encryptor encrypts payloads for the holder of a backup private key.
type Encryptor struct {
	publicKey *ecdh.PublicKey
}

// NewEncryptor returns an encryptor for the given backup public key.
func NewEncryptor(publicKey *ecdh.PublicKey) *Encryptor {
	return &Encryptor{publicKey: publicKey}
}

// Encrypt encrypts the plaintext using a fresh ephemeral key.
func (e *Encryptor) Encrypt(plaintext []byte) (*Envelope, error) {
	ephemeralKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	sharedSecret, err := ephemeralKey.ECDH(e.publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	keys, err := deriveKeys(sharedSecret)
	if err != nil {
		return nil, err
	}
	ciphertext, err := aescbc.Encrypt(keys.aesKey, keys.iv, plaintext)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ciphertext: ciphertext,
		Ephemeral:  EphemeralKey{ephemeralKey.PublicKey()},
		MAC:        keys.compatMAC(),
	}, nil
}

// Decryptor decrypts payloads encrypted for a backup key.
type Decryptor struct {
	key *MegolmBackupKey
}

// NewDecryptor returns a decryptor using the given backup private key.
func NewDecryptor(key *MegolmBackupKey) *Decryptor {
	return &Decryptor{key: key}
}

// Decrypt verifies the MAC and decrypts the envelope. Both the libolm
// compatible MAC and a MAC over the ciphertext are accepted.
func (d *Decryptor) Decrypt(envelope *Envelope) ([]byte, error) {
	if envelope.Ephemeral.PublicKey == nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrMissingEphemeralKey)
	}
	sharedSecret, err := d.key.ECDH(envelope.Ephemeral.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	keys, err := deriveKeys(sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	if !hmac.Equal(envelope.MAC, keys.compatMAC()) && !hmac.Equal(envelope.MAC, keys.ciphertextMAC(envelope.Ciphertext)) {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrInvalidMAC)
	}
	plaintext, err := aescbc.Decrypt(keys.aesKey, keys.iv, envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// EncryptSessionData encrypts the given session data for the backup public key.
func EncryptSessionData[T any](publicKey *ecdh.PublicKey, sessionData T) (*EncryptedSessionData[T], error) {
	plaintext, err := json.Marshal(sessionData)
	if err != nil {
		return nil, err
	}
	envelope, err := NewEncryptor(publicKey).Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return &EncryptedSessionData[T]{*envelope}, nil
}

// Decrypt decrypts the session data with the backup private key.
func (esd *EncryptedSessionData[T]) Decrypt(backupKey *MegolmBackupKey) (*T, error) {
	plaintext, err := NewDecryptor(backupKey).Decrypt(&esd.Envelope)
	if err != nil {
		return nil, err
	}
	var sessionData T
	if err = json.Unmarshal(plaintext, &sessionData); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return &sessionData, nil
}
