// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package backuphelper keeps a server-side megolm key backup up to date and
// restores keys from it.
package backuphelper

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"maunium.net/go/keybackup"
	"maunium.net/go/keybackup/crypto/backup"
	"maunium.net/go/keybackup/id"
)

// Transport is the subset of the client API used for key backups.
type Transport interface {
	GetKeyBackupLatestVersion(ctx context.Context) (*keybackup.BackupVersion, error)
	GetKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion) (*keybackup.BackupVersion, error)
	CreateKeyBackupVersion(ctx context.Context, req *keybackup.ReqRoomKeysVersionCreate[backup.MegolmAuthData]) (*keybackup.RespRoomKeysVersionCreate, error)
	UpdateKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion, req *keybackup.ReqRoomKeysVersionUpdate[backup.MegolmAuthData]) error
	DeleteKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion) error
	PutKeysInBackup(ctx context.Context, version id.KeyBackupVersion, req *keybackup.ReqKeyBackup) (*keybackup.RespRoomKeysUpdate, error)
	GetKeyBackup(ctx context.Context, version id.KeyBackupVersion) (*keybackup.BackupKeys, error)
	GetKeyBackupForRoom(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID) (*keybackup.BackupRoomKeys, error)
	GetKeyBackupForRoomAndSession(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID, sessionID id.SessionID) (*keybackup.BackupSessionKey, error)
}

var _ Transport = (*keybackup.Client)(nil)

type activeBackup struct {
	version   *keybackup.BackupVersion
	publicKey *ecdh.PublicKey
}

type backupAllRequest struct {
	done     chan error
	listener ListenerHandle
}

// BackupHelper is the key backup service. It tracks the active backup
// version, uploads new sessions to it and restores sessions from backups.
type BackupHelper struct {
	Client Transport
	UserID id.UserID
	Store  Store
	// Importer receives restored sessions. Defaults to Store if it implements SessionImporter.
	Importer SessionImporter
	// Signer signs backup auth data. Required for creating and trusting versions.
	Signer Signer
	Trust  *TrustVerifier
	States *StateManager

	config Config
	log    zerolog.Logger

	lock            sync.Mutex
	active          *activeBackup
	cancelScheduled func() bool
	backupAll       *backupAllRequest
}

func NewBackupHelper(client Transport, userID id.UserID, store Store, devices DeviceSource, log zerolog.Logger, cfg Config) *BackupHelper {
	log = log.With().Str("component", "key backup").Logger()
	h := &BackupHelper{
		Client: client,
		UserID: userID,
		Store:  store,
		Trust:  &TrustVerifier{UserID: userID, Devices: devices},
		States: NewStateManager(log),

		config: cfg.withDefaults(),
		log:    log,
	}
	if importer, ok := store.(SessionImporter); ok {
		h.Importer = importer
	}
	return h
}

func (h *BackupHelper) contextLog(ctx context.Context) *zerolog.Logger {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled || log == zerolog.DefaultContextLogger {
		return &h.log
	}
	return log
}

func (h *BackupHelper) backgroundContext() context.Context {
	return h.log.WithContext(context.Background())
}

func (h *BackupHelper) State() BackupState {
	return h.States.State()
}

func (h *BackupHelper) IsEnabled() bool {
	return h.States.State().IsEnabled()
}

// ActiveVersion returns the version keys are currently backed up to, or nil.
func (h *BackupHelper) ActiveVersion() *keybackup.BackupVersion {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.active == nil {
		return nil
	}
	return h.active.version
}

// GetCurrentVersion returns the latest backup version on the server, or nil
// if there is no backup.
func (h *BackupHelper) GetCurrentVersion(ctx context.Context) (*keybackup.BackupVersion, error) {
	version, err := h.Client.GetKeyBackupLatestVersion(ctx)
	if errors.Is(err, keybackup.MNotFound) {
		return nil, nil
	}
	return version, err
}

// GetVersion returns the given backup version, or nil if it doesn't exist.
func (h *BackupHelper) GetVersion(ctx context.Context, version id.KeyBackupVersion) (*keybackup.BackupVersion, error) {
	resp, err := h.Client.GetKeyBackupVersion(ctx, version)
	if errors.Is(err, keybackup.MNotFound) {
		return nil, nil
	}
	return resp, err
}

// CheckAndStart looks up the current backup version on the server and starts
// backing up to it if it's trusted. It only runs when the backup is in a
// stuck state and returns ErrNotStuck otherwise.
func (h *BackupHelper) CheckAndStart(ctx context.Context) error {
	log := h.contextLog(ctx)
	h.lock.Lock()
	if state := h.States.State(); !state.IsStuck() {
		h.lock.Unlock()
		log.Debug().Stringer("state", state).Msg("Not checking key backup version as backup isn't stuck")
		return ErrNotStuck
	}
	h.clearActiveLocked()
	h.States.SetState(StateCheckingServer)
	h.lock.Unlock()

	version, err := h.GetCurrentVersion(ctx)

	h.lock.Lock()
	defer h.lock.Unlock()
	if err != nil {
		log.Err(err).Msg("Failed to get current key backup version")
		h.States.SetState(StateUnknown)
		return fmt.Errorf("failed to get current key backup version: %w", err)
	}
	return h.checkAndStartWithVersionLocked(ctx, version)
}

func (h *BackupHelper) checkAndStartWithVersionLocked(ctx context.Context, version *keybackup.BackupVersion) error {
	if version == nil {
		h.contextLog(ctx).Info().Msg("No key backup version found on server")
		h.resetLocked(ctx)
		h.States.SetState(StateDisabled)
		return nil
	}
	log := h.contextLog(ctx).With().Stringer("key_backup_version", version.Version).Logger()
	ctx = log.WithContext(ctx)

	trust := h.Trust.Evaluate(ctx, version)
	storedVersion, err := h.Store.GetBackupVersion(ctx)
	if err != nil {
		log.Err(err).Msg("Failed to get previously used backup version")
	}
	if trust.Usable {
		if storedVersion != "" && storedVersion != version.Version {
			log.Info().Stringer("prev_version", storedVersion).Msg("Clearing data of previously used backup version")
			h.resetLocked(ctx)
		}
		log.Info().Msg("Found usable key backup, enabling")
		return h.enableLocked(ctx, version)
	}
	log.Info().Int("signature_count", len(trust.Signatures)).Msg("Key backup version is not trusted")
	if storedVersion != "" {
		h.resetLocked(ctx)
	}
	h.clearActiveLocked()
	h.States.SetState(StateNotTrusted)
	return nil
}

func (h *BackupHelper) enableLocked(ctx context.Context, version *keybackup.BackupVersion) error {
	log := h.contextLog(ctx)
	if h.States.State() != StateEnabling {
		h.States.SetState(StateEnabling)
	}
	h.clearActiveLocked()
	if !hasRequiredAuthData(version) {
		h.States.SetState(StateDisabled)
		return ErrMissingAuthData
	}
	publicKey, err := backup.ParsePublicKey(version.AuthData.PublicKey)
	if err != nil {
		log.Err(err).Msg("Invalid public key in key backup auth data")
		h.States.SetState(StateDisabled)
		return fmt.Errorf("%w: %w", ErrMissingAuthData, err)
	}
	if err = h.Store.PutBackupVersion(ctx, version.Version); err != nil {
		log.Err(err).Msg("Failed to store active backup version")
	}
	if err = h.Store.PutServerData(ctx, &ServerData{Count: version.Count, ETag: version.ETag}); err != nil {
		log.Err(err).Msg("Failed to store backup server data")
	}
	h.active = &activeBackup{version: version, publicKey: publicKey}
	h.States.SetState(StateReadyToBackUp)
	h.scheduleBackupLocked(ctx)
	return nil
}

func (h *BackupHelper) clearActiveLocked() {
	h.active = nil
	if h.cancelScheduled != nil {
		h.cancelScheduled()
		h.cancelScheduled = nil
	}
}

// resetLocked clears all local backup data. It doesn't change the state.
func (h *BackupHelper) resetLocked(ctx context.Context) {
	log := h.contextLog(ctx)
	h.finishBackupAllLocked(ErrWrongBackupVersion)
	h.clearActiveLocked()
	if err := h.Store.PutBackupVersion(ctx, ""); err != nil {
		log.Err(err).Msg("Failed to clear backup version")
	}
	if err := h.Store.PutServerData(ctx, nil); err != nil {
		log.Err(err).Msg("Failed to clear backup server data")
	}
	if err := h.Store.ResetBackupMarkers(ctx); err != nil {
		log.Err(err).Msg("Failed to reset backup markers")
	}
}

// ForceUsingLastVersion makes sure keys are backed up to the latest version
// on the server. It returns true if that was already the case.
func (h *BackupHelper) ForceUsingLastVersion(ctx context.Context) (bool, error) {
	serverVersion, err := h.GetCurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	h.lock.Lock()
	var localVersion id.KeyBackupVersion
	if h.active != nil {
		localVersion = h.active.version.Version
	}
	switch {
	case serverVersion == nil && localVersion == "":
		h.lock.Unlock()
		return true, nil
	case serverVersion == nil:
		h.resetLocked(ctx)
		h.States.SetState(StateDisabled)
		h.lock.Unlock()
		return false, nil
	case localVersion == "":
		err = h.checkAndStartWithVersionLocked(ctx, serverVersion)
		h.lock.Unlock()
		return false, err
	case localVersion == serverVersion.Version:
		h.lock.Unlock()
		return true, nil
	default:
		h.lock.Unlock()
		return false, h.DeleteBackup(ctx, localVersion)
	}
}

// DeleteBackup deletes the given backup version from the server. If it's the
// active version, backing up stops and the server is checked for another version.
func (h *BackupHelper) DeleteBackup(ctx context.Context, version id.KeyBackupVersion) error {
	log := h.contextLog(ctx).With().Stringer("key_backup_version", version).Logger()
	h.lock.Lock()
	if h.active != nil && h.active.version.Version == version {
		h.resetLocked(ctx)
		h.States.SetState(StateUnknown)
	}
	h.lock.Unlock()

	err := h.Client.DeleteKeyBackupVersion(ctx, version)
	if err != nil {
		log.Err(err).Msg("Failed to delete key backup version")
	} else if saved, serr := h.Store.GetRecoveryKey(ctx); serr == nil && saved != nil && saved.Version == version {
		if serr = h.Store.PutRecoveryKey(ctx, nil); serr != nil {
			log.Err(serr).Msg("Failed to clear saved recovery key")
		}
	}
	if h.States.State() == StateUnknown {
		if cerr := h.CheckAndStart(ctx); cerr != nil && !errors.Is(cerr, ErrNotStuck) {
			log.Err(cerr).Msg("Failed to restart key backup after deletion")
		}
	}
	return err
}

// IsValidRecoveryKeyForCurrentVersion checks whether the recovery key matches
// the active backup version.
func (h *BackupHelper) IsValidRecoveryKeyForCurrentVersion(recoveryKey string) bool {
	version := h.ActiveVersion()
	if version == nil {
		return false
	}
	_, err := keyFromRecoveryKey(version, recoveryKey)
	return err == nil
}

// CanRestoreKeys returns true if the server has more keys than are stored locally.
// Equal counts return false, as the etag isn't compared.
func (h *BackupHelper) CanRestoreKeys(ctx context.Context) (bool, error) {
	total, err := h.TotalKeys(ctx)
	if err != nil {
		return false, err
	}
	serverData, err := h.Store.GetServerData(ctx)
	if err != nil {
		return false, err
	} else if serverData == nil {
		return false, nil
	}
	return total < serverData.Count, nil
}

func (h *BackupHelper) TotalKeys(ctx context.Context) (int, error) {
	return h.Store.CountSessions(ctx, false)
}

func (h *BackupHelper) BackedUpKeys(ctx context.Context) (int, error) {
	return h.Store.CountSessions(ctx, true)
}

// BackupProgress returns the number of backed up sessions and the total number of sessions.
func (h *BackupHelper) BackupProgress(ctx context.Context) (backedUp, total int, err error) {
	if backedUp, err = h.BackedUpKeys(ctx); err != nil {
		return
	}
	total, err = h.TotalKeys(ctx)
	return
}

// SavedRecoveryKey returns the last recovery key that was used successfully, if any.
func (h *BackupHelper) SavedRecoveryKey(ctx context.Context) (*SavedRecoveryKey, error) {
	return h.Store.GetRecoveryKey(ctx)
}
