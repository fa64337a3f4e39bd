// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backuphelper

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"maunium.net/go/keybackup"
	"maunium.net/go/keybackup/crypto/backup"
	"maunium.net/go/keybackup/id"
)

type RestoreStep int

const (
	StepComputingKey RestoreStep = iota
	StepDownloadingKey
	StepImportingKey
)

func (step RestoreStep) String() string {
	switch step {
	case StepComputingKey:
		return "computing_key"
	case StepDownloadingKey:
		return "downloading_key"
	case StepImportingKey:
		return "importing_key"
	default:
		return fmt.Sprintf("RestoreStep(%d)", int(step))
	}
}

// StepProgress is a progress update of a restore. Progress and Total are only
// set for the computing and importing steps.
type StepProgress struct {
	Step     RestoreStep
	Progress int
	Total    int
}

type StepProgressFunc func(StepProgress)

// RestoredSession is a session decrypted from a backup.
type RestoredSession struct {
	RoomID            id.RoomID
	SessionID         id.SessionID
	FirstMessageIndex int
	ForwardedCount    int
	IsVerified        bool
	Data              *backup.MegolmSessionData
}

// Export converts the restored session into the local export format.
func (rs *RestoredSession) Export() *SessionExport {
	return &SessionExport{
		RoomID:             rs.RoomID,
		SessionID:          rs.SessionID,
		SenderKey:          rs.Data.SenderKey,
		Algorithm:          rs.Data.Algorithm,
		ForwardingKeyChain: rs.Data.ForwardingKeyChain,
		SessionKey:         rs.Data.SessionKey,
		FirstKnownIndex:    rs.FirstMessageIndex,
		SenderClaimedKeys:  rs.Data.SenderClaimedKeys,
		IsVerifiedSender:   rs.IsVerified,
	}
}

type ImportProgressFunc func(progress, total int)

// SessionImporter stores sessions restored from a backup. If backedUp is true,
// the sessions came from the active backup version and must not be uploaded again.
//
// Sessions that are already stored with the same or a lower first known index
// are skipped, and importing never clears the backed up flag of a stored
// session. The returned count only includes sessions that were stored.
type SessionImporter interface {
	ImportSessions(ctx context.Context, sessions []*RestoredSession, backedUp bool, progress ImportProgressFunc) (int, error)
}

// ImportResult contains the number of sessions found in the backup and the
// number of sessions that were successfully imported.
type ImportResult struct {
	Total    int
	Imported int
}

// RestoreWithRecoveryKey restores keys from the given backup version. The
// recovery key is checked against the version before anything is downloaded.
// If roomID is set, only keys of that room are restored, and if sessionID is
// also set, only that session.
func (h *BackupHelper) RestoreWithRecoveryKey(ctx context.Context, version *keybackup.BackupVersion, recoveryKey string, roomID id.RoomID, sessionID id.SessionID, progress StepProgressFunc) (*ImportResult, error) {
	key, err := keyFromRecoveryKey(version, recoveryKey)
	if err != nil {
		h.contextLog(ctx).Debug().Err(err).Msg("Recovery key doesn't match backup version")
		return nil, err
	}
	return h.restore(ctx, version, key, roomID, sessionID, progress)
}

// RestoreWithPassphrase derives the backup key from the passphrase and then
// restores keys like RestoreWithRecoveryKey.
func (h *BackupHelper) RestoreWithPassphrase(ctx context.Context, version *keybackup.BackupVersion, passphrase string, roomID id.RoomID, sessionID id.SessionID, progress StepProgressFunc) (*ImportResult, error) {
	var keyProgress func(progress, total int)
	if progress != nil {
		keyProgress = func(value, total int) {
			progress(StepProgress{Step: StepComputingKey, Progress: value, Total: total})
		}
	}
	key, err := keyFromPassphrase(ctx, version, passphrase, keyProgress)
	if err != nil {
		return nil, err
	}
	return h.restore(ctx, version, key, roomID, sessionID, progress)
}

func (h *BackupHelper) restore(ctx context.Context, version *keybackup.BackupVersion, key *backup.MegolmBackupKey, roomID id.RoomID, sessionID id.SessionID, progress StepProgressFunc) (*ImportResult, error) {
	if h.Importer == nil {
		return nil, errors.New("no session importer configured")
	}
	log := h.contextLog(ctx).With().
		Str("action", "restore key backup").
		Stringer("key_backup_version", version.Version).
		Logger()
	ctx = log.WithContext(ctx)
	report := func(p StepProgress) {
		if progress != nil {
			progress(p)
		}
	}

	err := h.Store.PutRecoveryKey(ctx, &SavedRecoveryKey{RecoveryKey: key.RecoveryKey(), Version: version.Version})
	if err != nil {
		log.Err(err).Msg("Failed to save recovery key")
	}

	report(StepProgress{Step: StepDownloadingKey})
	keys, err := h.downloadKeys(ctx, version.Version, roomID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to download keys: %w", err)
	}
	sessions, total := decryptSessions(ctx, key, keys)
	log.Debug().
		Int("count", len(sessions)).
		Int("failed_count", total-len(sessions)).
		Msg("Decrypted keys from backup")

	active := h.ActiveVersion()
	fromActive := active != nil && active.Version == version.Version
	imported, err := h.Importer.ImportSessions(ctx, sessions, fromActive, func(value, total int) {
		report(StepProgress{Step: StepImportingKey, Progress: value, Total: total})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import sessions: %w", err)
	}
	log.Info().
		Int("total", total).
		Int("imported", imported).
		Msg("Restored keys from backup")
	if !fromActive {
		h.MaybeBackupKeys(ctx)
	}
	return &ImportResult{Total: total, Imported: imported}, nil
}

func (h *BackupHelper) downloadKeys(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID, sessionID id.SessionID) (*keybackup.BackupKeys, error) {
	switch {
	case roomID != "" && sessionID != "":
		resp, err := h.Client.GetKeyBackupForRoomAndSession(ctx, version, roomID, sessionID)
		if err != nil {
			return nil, err
		}
		return &keybackup.BackupKeys{Rooms: map[id.RoomID]keybackup.BackupRoomKeys{
			roomID: {Sessions: map[id.SessionID]keybackup.BackupSessionKey{sessionID: *resp}},
		}}, nil
	case roomID != "":
		resp, err := h.Client.GetKeyBackupForRoom(ctx, version, roomID)
		if err != nil {
			return nil, err
		}
		return &keybackup.BackupKeys{Rooms: map[id.RoomID]keybackup.BackupRoomKeys{roomID: *resp}}, nil
	default:
		if sessionID != "" {
			zerolog.Ctx(ctx).Warn().Msg("Session ID filter without room ID, restoring all keys")
		}
		return h.Client.GetKeyBackup(ctx, version)
	}
}

type encryptedRecord struct {
	roomID    id.RoomID
	sessionID id.SessionID
	data      keybackup.BackupSessionKey
}

func decryptSessions(ctx context.Context, key *backup.MegolmBackupKey, keys *keybackup.BackupKeys) ([]*RestoredSession, int) {
	log := zerolog.Ctx(ctx)
	var records []encryptedRecord
	roomIDs := maps.Keys(keys.Rooms)
	slices.Sort(roomIDs)
	for _, roomID := range roomIDs {
		sessions := keys.Rooms[roomID].Sessions
		sessionIDs := maps.Keys(sessions)
		slices.Sort(sessionIDs)
		for _, sessionID := range sessionIDs {
			records = append(records, encryptedRecord{roomID, sessionID, sessions[sessionID]})
		}
	}

	results := make([]*RestoredSession, len(records))
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i, record := range records {
		eg.Go(func() error {
			data, err := decryptRecord(key, record.data)
			if err != nil {
				log.Warn().Err(err).
					Stringer("room_id", record.roomID).
					Stringer("session_id", record.sessionID).
					Msg("Failed to decrypt session data")
				return nil
			}
			results[i] = &RestoredSession{
				RoomID:            record.roomID,
				SessionID:         record.sessionID,
				FirstMessageIndex: record.data.FirstMessageIndex,
				ForwardedCount:    record.data.ForwardedCount,
				IsVerified:        record.data.IsVerified,
				Data:              data,
			}
			return nil
		})
	}
	_ = eg.Wait()
	return slices.DeleteFunc(results, func(rs *RestoredSession) bool {
		return rs == nil
	}), len(records)
}

func decryptRecord(key *backup.MegolmBackupKey, record keybackup.BackupSessionKey) (*backup.MegolmSessionData, error) {
	if record.SessionData == nil {
		return nil, backup.ErrDecryptionFailed
	}
	data, err := record.SessionData.Decrypt(key)
	if err != nil {
		return nil, err
	} else if data.Algorithm != id.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("unsupported session algorithm %q", data.Algorithm)
	}
	return data, nil
}
