// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package signatures

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/exgjson"

	"maunium.net/go/keybackup/crypto/canonicaljson"
	"maunium.net/go/keybackup/id"
)

var (
	ErrSignatureNotFound = errors.New("input JSON doesn't contain signature from specified device")
	ErrInvalidSigningKey = errors.New("invalid ed25519 public key")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// Signatures represents a set of signatures for some data from multiple users
// and keys.
type Signatures map[id.UserID]map[id.KeyID]string

// NewSingleSignature creates a new [Signatures] object with a single
// signature.
func NewSingleSignature(userID id.UserID, algorithm id.KeyAlgorithm, keyID string, signature string) Signatures {
	return Signatures{
		userID: {
			id.NewKeyID(algorithm, keyID): signature,
		},
	}
}

// Add stores the given signature, creating the inner map if necessary.
func (s Signatures) Add(userID id.UserID, keyID id.KeyID, signature string) {
	if s[userID] == nil {
		s[userID] = make(map[id.KeyID]string)
	}
	s[userID][keyID] = signature
}

// Remove deletes a signature and drops the user entry if it becomes empty.
func (s Signatures) Remove(userID id.UserID, keyID id.KeyID) {
	delete(s[userID], keyID)
	if len(s[userID]) == 0 {
		delete(s, userID)
	}
}

func marshalForSigning(obj any) ([]byte, error) {
	objJSON, ok := obj.(json.RawMessage)
	if !ok {
		var err error
		objJSON, err = json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
	}
	return objJSON, nil
}

func stripSignatures(objJSON []byte) ([]byte, error) {
	objJSON, err := sjson.DeleteBytes(objJSON, "unsigned")
	if err != nil {
		return nil, fmt.Errorf("failed to delete unsigned: %w", err)
	}
	objJSON, err = sjson.DeleteBytes(objJSON, "signatures")
	if err != nil {
		return nil, fmt.Errorf("failed to delete signatures: %w", err)
	}
	return canonicaljson.CanonicalJSONAssumeValid(objJSON), nil
}

// SignJSON signs the canonical form of the given object (without the signatures
// and unsigned fields) and returns the unpadded base64 signature.
func SignJSON(obj any, key ed25519.PrivateKey) (string, error) {
	objJSON, err := marshalForSigning(obj)
	if err != nil {
		return "", err
	}
	objJSON, err = stripSignatures(objJSON)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(key, objJSON)), nil
}

// VerifySignatureJSON verifies the signature in the JSON object obj following
// the Matrix specification:
// https://spec.matrix.org/v1.9/appendices/#signing-json
// If obj is a struct, the `json` tags will be honored.
func VerifySignatureJSON(obj any, userID id.UserID, keyName string, key id.Ed25519) (bool, error) {
	objJSON, err := marshalForSigning(obj)
	if err != nil {
		return false, err
	}
	sig := gjson.GetBytes(objJSON, exgjson.Path("signatures", string(userID), string(id.NewKeyID(id.KeyAlgorithmEd25519, keyName))))
	if !sig.Exists() || sig.Type != gjson.String {
		return false, ErrSignatureNotFound
	}
	objJSON, err = stripSignatures(objJSON)
	if err != nil {
		return false, err
	}
	return VerifySignature(objJSON, key, sig.Str)
}

// VerifySignature checks an unpadded base64 ed25519 signature of the message.
func VerifySignature(message []byte, key id.Ed25519, signature string) (bool, error) {
	keyBytes, err := base64.RawStdEncoding.DecodeString(key.String())
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidSigningKey, err)
	} else if len(keyBytes) != ed25519.PublicKeySize {
		return false, ErrInvalidSigningKey
	} else if _, err = new(edwards25519.Point).SetBytes(keyBytes); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidSigningKey, err)
	}
	sigBytes, err := base64.RawStdEncoding.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("failed to decode signature: %w", err)
	}
	return ed25519.Verify(keyBytes, message, sigBytes), nil
}
