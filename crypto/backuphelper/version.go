// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backuphelper

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/maps"

	"maunium.net/go/keybackup"
	"maunium.net/go/keybackup/crypto/backup"
	"maunium.net/go/keybackup/crypto/recoverykey"
	"maunium.net/go/keybackup/crypto/signatures"
	"maunium.net/go/keybackup/id"
)

// Signer signs JSON objects with the local device's key.
type Signer interface {
	KeyID() id.KeyID
	SignJSON(ctx context.Context, obj any) (string, error)
}

// DeviceSigner is a Signer using the ed25519 key of a device.
type DeviceSigner struct {
	DeviceID id.DeviceID
	Key      ed25519.PrivateKey
}

var _ Signer = (*DeviceSigner)(nil)

func (ds *DeviceSigner) KeyID() id.KeyID {
	return id.NewKeyID(id.KeyAlgorithmEd25519, ds.DeviceID.String())
}

func (ds *DeviceSigner) SignJSON(_ context.Context, obj any) (string, error) {
	return signatures.SignJSON(obj, ds.Key)
}

// SigningKey returns the public key matching the private key.
func (ds *DeviceSigner) SigningKey() id.Ed25519 {
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(ds.Key.Public().(ed25519.PublicKey)))
}

// CreationInfo contains everything needed to create a new backup version.
type CreationInfo struct {
	Algorithm   id.KeyBackupAlgorithm
	AuthData    backup.MegolmAuthData
	RecoveryKey string
}

func copyAuthData(authData backup.MegolmAuthData) backup.MegolmAuthData {
	copied := authData
	copied.Signatures = make(signatures.Signatures, len(authData.Signatures))
	for userID, sigs := range authData.Signatures {
		copied.Signatures[userID] = maps.Clone(sigs)
	}
	return copied
}

func (h *BackupHelper) signAuthData(ctx context.Context, authData *backup.MegolmAuthData) error {
	if h.Signer == nil {
		return errors.New("no signer configured")
	}
	sig, err := h.Signer.SignJSON(ctx, authData)
	if err != nil {
		return fmt.Errorf("failed to sign auth data: %w", err)
	}
	if authData.Signatures == nil {
		authData.Signatures = make(signatures.Signatures)
	}
	authData.Signatures.Add(h.UserID, h.Signer.KeyID(), sig)
	return nil
}

// PrepareVersion generates a new backup key and signed auth data. If a
// passphrase is given, the key is derived from it with a random salt.
func (h *BackupHelper) PrepareVersion(ctx context.Context, passphrase string, progress recoverykey.ProgressFunc) (*CreationInfo, error) {
	var key *backup.MegolmBackupKey
	var authData backup.MegolmAuthData
	var err error
	if passphrase != "" {
		salt := recoverykey.GenerateSalt()
		var keyBytes []byte
		keyBytes, err = recoverykey.DeriveFromPassword(ctx, passphrase, salt, h.config.PassphraseIterations, progress)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key from passphrase: %w", err)
		}
		key, err = backup.MegolmBackupKeyFromBytes(keyBytes)
		authData.PrivateKeySalt = salt
		authData.PrivateKeyIterations = h.config.PassphraseIterations
	} else {
		key, err = backup.NewMegolmBackupKey()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create backup key: %w", err)
	}
	authData.PublicKey = key.PublicKeyString()
	if err = h.signAuthData(ctx, &authData); err != nil {
		return nil, err
	}
	return &CreationInfo{
		Algorithm:   id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:    authData,
		RecoveryKey: key.RecoveryKey(),
	}, nil
}

// CreateVersion uploads a prepared backup version and starts backing up to it.
func (h *BackupHelper) CreateVersion(ctx context.Context, info *CreationInfo) (id.KeyBackupVersion, error) {
	log := h.contextLog(ctx)
	h.lock.Lock()
	if !h.States.SetState(StateEnabling) {
		h.lock.Unlock()
		return "", fmt.Errorf("can't create key backup version in state %s", h.States.State())
	}
	h.lock.Unlock()

	resp, err := h.Client.CreateKeyBackupVersion(ctx, &keybackup.ReqRoomKeysVersionCreate[backup.MegolmAuthData]{
		Algorithm: info.Algorithm,
		AuthData:  info.AuthData,
	})

	h.lock.Lock()
	defer h.lock.Unlock()
	if err != nil {
		h.States.SetState(StateDisabled)
		return "", fmt.Errorf("failed to create key backup version: %w", err)
	}
	log.Info().Stringer("key_backup_version", resp.Version).Msg("Created new key backup version")
	if err = h.Store.ResetBackupMarkers(ctx); err != nil {
		log.Err(err).Msg("Failed to reset backup markers")
	}
	return resp.Version, h.enableLocked(ctx, &keybackup.BackupVersion{
		Algorithm: info.Algorithm,
		AuthData:  info.AuthData,
		Version:   resp.Version,
	})
}

// TrustVersion adds or removes this device's signature on the version and
// restarts the backup with the updated version.
func (h *BackupHelper) TrustVersion(ctx context.Context, version *keybackup.BackupVersion, trust bool) error {
	if !hasRequiredAuthData(version) {
		return ErrMissingAuthData
	} else if h.Signer == nil {
		return errors.New("no signer configured")
	}
	log := h.contextLog(ctx).With().
		Stringer("key_backup_version", version.Version).
		Bool("trust", trust).
		Logger()
	authData := copyAuthData(version.AuthData)
	if trust {
		if err := h.signAuthData(ctx, &authData); err != nil {
			return err
		}
	} else {
		authData.Signatures.Remove(h.UserID, h.Signer.KeyID())
	}
	err := h.Client.UpdateKeyBackupVersion(ctx, version.Version, &keybackup.ReqRoomKeysVersionUpdate[backup.MegolmAuthData]{
		Algorithm: version.Algorithm,
		AuthData:  authData,
		Version:   version.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to update key backup version: %w", err)
	}
	log.Debug().Msg("Updated key backup signatures")
	updated := *version
	updated.AuthData = authData

	h.lock.Lock()
	defer h.lock.Unlock()
	return h.checkAndStartWithVersionLocked(ctx, &updated)
}

// TrustVersionWithRecoveryKey trusts the version if the recovery key matches it.
func (h *BackupHelper) TrustVersionWithRecoveryKey(ctx context.Context, version *keybackup.BackupVersion, recoveryKey string) error {
	if _, err := keyFromRecoveryKey(version, recoveryKey); err != nil {
		return err
	}
	return h.TrustVersion(ctx, version, true)
}

// TrustVersionWithPassphrase trusts the version if the passphrase matches it.
func (h *BackupHelper) TrustVersionWithPassphrase(ctx context.Context, version *keybackup.BackupVersion, passphrase string) error {
	key, err := keyFromPassphrase(ctx, version, passphrase, nil)
	if err != nil {
		return err
	}
	return h.TrustVersionWithRecoveryKey(ctx, version, key.RecoveryKey())
}

func keyFromRecoveryKey(version *keybackup.BackupVersion, recoveryKey string) (*backup.MegolmBackupKey, error) {
	if !hasRequiredAuthData(version) {
		return nil, ErrMissingAuthData
	}
	key, err := backup.MegolmBackupKeyFromRecoveryKey(recoveryKey)
	if err != nil {
		return nil, ErrInvalidRecoveryKey
	} else if !key.MatchesPublicKey(version.AuthData.PublicKey) {
		return nil, ErrInvalidRecoveryKey
	}
	return key, nil
}

func keyFromPassphrase(ctx context.Context, version *keybackup.BackupVersion, passphrase string, progress recoverykey.ProgressFunc) (*backup.MegolmBackupKey, error) {
	if !hasRequiredAuthData(version) {
		return nil, ErrMissingAuthData
	} else if !version.AuthData.HasPassphrase() {
		return nil, ErrNoPassphrase
	}
	keyBytes, err := recoverykey.DeriveFromPassword(ctx, passphrase, version.AuthData.PrivateKeySalt, version.AuthData.PrivateKeyIterations, progress)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key from passphrase: %w", err)
	}
	key, err := backup.MegolmBackupKeyFromBytes(keyBytes)
	if err != nil {
		return nil, ErrInvalidRecoveryKey
	} else if !key.MatchesPublicKey(version.AuthData.PublicKey) {
		return nil, ErrInvalidRecoveryKey
	}
	return key, nil
}

// OnSecretKeyGossip handles a backup private key received from another of
// the user's devices. If it matches the current version, the version is
// trusted and keys are restored from it.
func (h *BackupHelper) OnSecretKeyGossip(ctx context.Context, secret string) error {
	log := h.contextLog(ctx)
	keyBytes, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(secret, "="))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecoveryKey, err)
	}
	key, err := backup.MegolmBackupKeyFromBytes(keyBytes)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecoveryKey, err)
	}
	version, err := h.GetCurrentVersion(ctx)
	if err != nil {
		return err
	} else if version == nil {
		log.Debug().Msg("Ignoring gossiped backup key as there's no key backup")
		return nil
	}
	recoveryKey := key.RecoveryKey()
	if err = h.TrustVersionWithRecoveryKey(ctx, version, recoveryKey); err != nil {
		return fmt.Errorf("failed to trust key backup version %s: %w", version.Version, err)
	}
	result, err := h.RestoreWithRecoveryKey(ctx, version, recoveryKey, "", "", nil)
	if err != nil {
		return err
	}
	log.Info().
		Stringer("key_backup_version", version.Version).
		Int("total", result.Total).
		Int("imported", result.Imported).
		Msg("Restored keys using gossiped backup key")
	return nil
}
