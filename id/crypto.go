// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"fmt"
	"strings"
)

// Algorithm is a Matrix message encryption algorithm.
type Algorithm string

const (
	AlgorithmOlmV1    Algorithm = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolmV1 Algorithm = "m.megolm.v1.aes-sha2"
)

// KeyBackupAlgorithm is the algorithm of a server-side key backup.
type KeyBackupAlgorithm string

const (
	KeyBackupAlgorithmMegolmBackupV1 KeyBackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"
)

// KeyAlgorithm is the algorithm part of a KeyID.
type KeyAlgorithm string

const (
	KeyAlgorithmCurve25519       KeyAlgorithm = "curve25519"
	KeyAlgorithmEd25519          KeyAlgorithm = "ed25519"
	KeyAlgorithmSignedCurve25519 KeyAlgorithm = "signed_curve25519"
)

// NewKeyID creates a KeyID in the <algorithm>:<key name> format.
func NewKeyID(algorithm KeyAlgorithm, keyName string) KeyID {
	return KeyID(fmt.Sprintf("%s:%s", algorithm, keyName))
}

// Parse splits the key ID into the algorithm and key name. If the key ID does not
// contain exactly one colon, both return values are empty.
func (keyID KeyID) Parse() (algorithm KeyAlgorithm, keyName string) {
	parts := strings.Split(string(keyID), ":")
	if len(parts) != 2 {
		return "", ""
	}
	return KeyAlgorithm(parts[0]), parts[1]
}

// Ed25519 is the base64 representation of an Ed25519 public key.
type Ed25519 string

func (ed25519 Ed25519) String() string {
	return string(ed25519)
}

// Curve25519 is the base64 representation of a Curve25519 public key.
type Curve25519 string

func (curve25519 Curve25519) String() string {
	return string(curve25519)
}

// SenderKey is the Curve25519 identity key of the device that created a megolm session.
type SenderKey = Curve25519
