// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backup

import (
	"crypto/ecdh"
	"encoding/json"

	"go.mau.fi/util/jsonbytes"
)

// EphemeralKey is a wrapper around an ECDH X25519 public key that is
// serialized as unpadded base64 in JSON.
type EphemeralKey struct {
	*ecdh.PublicKey
}

func (k EphemeralKey) MarshalJSON() ([]byte, error) {
	if k.PublicKey == nil {
		return json.Marshal(nil)
	}
	return json.Marshal(jsonbytes.UnpaddedBytes(k.Bytes()))
}

func (k *EphemeralKey) UnmarshalJSON(data []byte) error {
	var keyBytes jsonbytes.UnpaddedBytes
	if err := json.Unmarshal(data, &keyBytes); err != nil {
		return err
	}
	var err error
	k.PublicKey, err = ecdh.X25519().NewPublicKey(keyBytes)
	return err
}
