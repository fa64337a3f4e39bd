// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backuphelper

import (
	"context"
	"errors"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"maunium.net/go/keybackup"
	"maunium.net/go/keybackup/crypto/backup"
	"maunium.net/go/keybackup/id"
)

// MaybeBackupKeys should be called whenever new sessions may have been
// stored. If backups are stuck, the server is checked for a usable version,
// otherwise an upload is scheduled after a random delay.
func (h *BackupHelper) MaybeBackupKeys(ctx context.Context) {
	h.lock.Lock()
	if h.States.State().IsStuck() {
		h.lock.Unlock()
		if err := h.CheckAndStart(ctx); err != nil && !errors.Is(err, ErrNotStuck) {
			h.contextLog(ctx).Err(err).Msg("Failed to check key backup version")
		}
		return
	}
	h.scheduleBackupLocked(ctx)
	h.lock.Unlock()
}

func (h *BackupHelper) scheduleBackupLocked(ctx context.Context) {
	state := h.States.State()
	if state != StateReadyToBackUp || h.active == nil {
		h.contextLog(ctx).Trace().Stringer("state", state).Msg("Not scheduling key backup")
		return
	}
	h.States.SetState(StateWillBackUp)
	version := h.active.version.Version
	delay := h.config.Jitter(h.config.MaxJitter)
	h.contextLog(ctx).Debug().
		Dur("delay", delay).
		Msg("Scheduled key backup")
	h.cancelScheduled = h.config.Scheduler.AfterFunc(delay, func() {
		h.backupKeys(h.backgroundContext(), version)
	})
}

func (h *BackupHelper) finishBackupAllLocked(err error) {
	req := h.backupAll
	if req == nil {
		return
	}
	h.backupAll = nil
	if req.listener != 0 {
		h.States.RemoveListener(req.listener)
	}
	req.done <- err
}

// BackupAllGroupSessions uploads all sessions that haven't been backed up yet
// and waits until the upload is done. Only one call can be waiting at a time:
// a previous call still in progress returns ErrBackupAllReplaced.
//
// The progress callback is called with the number of backed up sessions after
// every state change.
func (h *BackupHelper) BackupAllGroupSessions(ctx context.Context, progress func(backedUp, total int)) error {
	backedUp, total, err := h.BackupProgress(ctx)
	if err != nil {
		return err
	}
	h.lock.Lock()
	h.finishBackupAllLocked(ErrBackupAllReplaced)
	if backedUp == total {
		h.lock.Unlock()
		if progress != nil {
			progress(backedUp, total)
		}
		return nil
	}
	req := &backupAllRequest{done: make(chan error, 1)}
	if progress != nil {
		bgCtx := h.backgroundContext()
		req.listener = h.States.AddListener(func(state BackupState) {
			if backedUp, total, err := h.BackupProgress(bgCtx); err == nil {
				progress(backedUp, total)
			}
		})
	}
	h.backupAll = req
	h.lock.Unlock()
	if progress != nil {
		progress(backedUp, total)
	}

	h.backupKeys(ctx, "")

	select {
	case err = <-req.done:
		return err
	case <-ctx.Done():
		h.lock.Lock()
		if h.backupAll == req {
			h.finishBackupAllLocked(ctx.Err())
		}
		h.lock.Unlock()
		return ctx.Err()
	}
}

// backupKeys uploads pending sessions in batches until there are none left.
// If expectedVersion is set, nothing is done unless it's still the active version.
func (h *BackupHelper) backupKeys(ctx context.Context, expectedVersion id.KeyBackupVersion) {
	h.lock.Lock()
	active := h.active
	state := h.States.State()
	if expectedVersion != "" && (active == nil || active.version.Version != expectedVersion) {
		h.lock.Unlock()
		h.contextLog(ctx).Debug().
			Stringer("key_backup_version", expectedVersion).
			Msg("Backup version changed before scheduled upload")
		return
	} else if !state.IsEnabled() || active == nil {
		h.contextLog(ctx).Debug().Stringer("state", state).Msg("Not backing up keys: invalid configuration")
		h.finishBackupAllLocked(ErrInvalidConfiguration)
		h.lock.Unlock()
		return
	} else if state == StateBackingUp {
		h.lock.Unlock()
		return
	}
	if h.cancelScheduled != nil {
		h.cancelScheduled()
		h.cancelScheduled = nil
	}
	log := h.contextLog(ctx).With().
		Str("cycle_id", xid.New().String()).
		Stringer("key_backup_version", active.version.Version).
		Logger()
	ctx = log.WithContext(ctx)

	for {
		sessions, err := h.Store.GetSessionsToBackup(ctx, h.config.BatchSize)
		if err != nil {
			log.Err(err).Msg("Failed to get sessions to back up")
			h.States.SetState(StateReadyToBackUp)
			h.finishBackupAllLocked(err)
			h.lock.Unlock()
			return
		} else if len(sessions) == 0 {
			log.Debug().Msg("All keys are backed up")
			h.States.SetState(StateReadyToBackUp)
			h.finishBackupAllLocked(nil)
			h.lock.Unlock()
			return
		}
		h.States.SetState(StateBackingUp)
		h.lock.Unlock()

		resp, err := h.uploadBatch(ctx, active, sessions)

		h.lock.Lock()
		if h.active != active {
			log.Debug().Msg("Active backup version changed during upload")
			h.lock.Unlock()
			return
		} else if errors.Is(err, keybackup.MNotFound) || errors.Is(err, keybackup.MWrongRoomKeysVersion) {
			log.Warn().Err(err).Msg("Backup version is no longer current")
			h.States.SetState(StateWrongBackupVersion)
			h.finishBackupAllLocked(err)
			h.resetLocked(ctx)
			h.lock.Unlock()
			if err = h.CheckAndStart(ctx); err != nil && !errors.Is(err, ErrNotStuck) {
				log.Err(err).Msg("Failed to check key backup version")
			}
			return
		} else if err != nil {
			log.Err(err).Msg("Failed to upload keys")
			h.States.SetState(StateReadyToBackUp)
			h.finishBackupAllLocked(err)
			h.lock.Unlock()
			return
		}

		if err = h.Store.MarkBackedUp(ctx, sessions); err != nil {
			log.Err(err).Msg("Failed to mark sessions as backed up")
			h.States.SetState(StateReadyToBackUp)
			h.finishBackupAllLocked(err)
			h.lock.Unlock()
			return
		}
		if err = h.Store.PutServerData(ctx, &ServerData{Count: resp.Count, ETag: resp.ETag}); err != nil {
			log.Err(err).Msg("Failed to store backup server data")
		}
		if len(sessions) < h.config.BatchSize {
			log.Debug().Int("count", resp.Count).Msg("All keys are backed up")
			h.States.SetState(StateReadyToBackUp)
			h.finishBackupAllLocked(nil)
			h.lock.Unlock()
			return
		}
		h.States.SetState(StateWillBackUp)
	}
}

func (h *BackupHelper) uploadBatch(ctx context.Context, active *activeBackup, sessions []*SessionExport) (*keybackup.RespRoomKeysUpdate, error) {
	log := zerolog.Ctx(ctx)
	var req keybackup.ReqKeyBackup
	for _, session := range sessions {
		encrypted, err := backup.EncryptSessionData(active.publicKey, session.SessionData())
		if err != nil {
			log.Err(err).
				Stringer("room_id", session.RoomID).
				Stringer("session_id", session.SessionID).
				Msg("Failed to encrypt session")
			continue
		}
		req.Add(session.RoomID, session.SessionID, keybackup.ReqKeyBackupData{
			FirstMessageIndex: session.FirstKnownIndex,
			ForwardedCount:    session.ForwardedCount(),
			IsVerified:        session.IsVerifiedSender,
			SessionData:       encrypted,
		})
	}
	log.Debug().
		Int("count", req.Count()).
		Int("room_count", len(req.Rooms)).
		Msg("Uploading keys to backup")
	return h.Client.PutKeysInBackup(ctx, active.version.Version, &req)
}
