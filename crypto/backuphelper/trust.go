// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backuphelper

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"maunium.net/go/keybackup"
	"maunium.net/go/keybackup/crypto/signatures"
	"maunium.net/go/keybackup/id"
)

// Device is a device of the local user that may have signed a backup.
type Device struct {
	DeviceID   id.DeviceID
	SigningKey id.Ed25519
	Trust      id.TrustState
}

// DeviceSource looks up the local user's own devices.
type DeviceSource interface {
	// GetOwnDevice returns the device with the given ID, or nil if it's not known.
	GetOwnDevice(ctx context.Context, deviceID id.DeviceID) (*Device, error)
}

// MasterKeySource can be implemented by a DeviceSource to also accept
// signatures made with the user's cross-signing master key.
type MasterKeySource interface {
	GetOwnMasterKey(ctx context.Context) (key id.Ed25519, trusted bool, err error)
}

// TrustSignature is the result of checking a single signature on a backup version.
type TrustSignature struct {
	DeviceID id.DeviceID
	Device   *Device
	Valid    bool
}

// TrustResult is the result of evaluating the signatures of a backup version.
type TrustResult struct {
	Usable     bool
	Signatures []TrustSignature
}

// TrustVerifier checks whether a backup version was signed by a device the
// local user trusts.
type TrustVerifier struct {
	UserID  id.UserID
	Devices DeviceSource
}

func hasRequiredAuthData(version *keybackup.BackupVersion) bool {
	return version != nil &&
		version.Version != "" &&
		version.Algorithm == id.KeyBackupAlgorithmMegolmBackupV1 &&
		version.AuthData.PublicKey != ""
}

func (tv *TrustVerifier) getSigner(ctx context.Context, deviceID id.DeviceID) (*Device, error) {
	if mks, ok := tv.Devices.(MasterKeySource); ok {
		masterKey, trusted, err := mks.GetOwnMasterKey(ctx)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to get own master key")
		} else if masterKey != "" && masterKey.String() == deviceID.String() {
			device := &Device{DeviceID: deviceID, SigningKey: masterKey, Trust: id.TrustStateUnset}
			if trusted {
				device.Trust = id.TrustStateVerified
			}
			return device, nil
		}
	}
	return tv.Devices.GetOwnDevice(ctx, deviceID)
}

// Evaluate checks every signature of the local user on the version's auth
// data. Failures of individual signatures are recorded as invalid signatures.
func (tv *TrustVerifier) Evaluate(ctx context.Context, version *keybackup.BackupVersion) *TrustResult {
	log := zerolog.Ctx(ctx)
	if !hasRequiredAuthData(version) || len(version.AuthData.Signatures) == 0 {
		log.Debug().Msg("Key backup is absent or missing required data")
		return &TrustResult{}
	}
	mySigs := version.AuthData.Signatures[tv.UserID]
	if len(mySigs) == 0 {
		log.Debug().Msg("Key backup lacks signatures from own user")
		return &TrustResult{}
	}

	result := &TrustResult{}
	keyIDs := maps.Keys(mySigs)
	slices.Sort(keyIDs)
	for _, keyID := range keyIDs {
		_, keyName := keyID.Parse()
		if keyName == "" {
			log.Debug().Stringer("key_id", keyID).Msg("Skipping malformed signature key ID")
			continue
		}
		deviceID := id.DeviceID(keyName)
		log := log.With().Stringer("device_id", deviceID).Logger()
		sig := TrustSignature{DeviceID: deviceID}
		device, err := tv.getSigner(ctx, deviceID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get signing device")
		} else if device == nil {
			log.Debug().Msg("Signature from unknown device")
		} else {
			sig.Device = device
			sig.Valid, err = signatures.VerifySignatureJSON(version.AuthData, tv.UserID, keyName, device.SigningKey)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to verify signature")
				sig.Valid = false
			} else if !sig.Valid {
				log.Warn().Msg("Bad signature on key backup")
			}
			if sig.Valid && device.Trust.IsVerified() {
				result.Usable = true
			}
		}
		result.Signatures = append(result.Signatures, sig)
	}
	return result
}
