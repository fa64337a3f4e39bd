// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sqlstore implements the key backup store on top of a dbutil database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.mau.fi/util/dbutil"

	"maunium.net/go/keybackup/crypto/backuphelper"
	"maunium.net/go/keybackup/crypto/backuphelper/sqlstore/upgrades"
	"maunium.net/go/keybackup/id"
)

// SQLStore stores key backup state and megolm sessions in a database.
type SQLStore struct {
	DB        *dbutil.Database
	AccountID string
}

var (
	_ backuphelper.Store           = (*SQLStore)(nil)
	_ backuphelper.SessionImporter = (*SQLStore)(nil)
)

// NewSQLStore initializes a new store. The database must be upgraded with
// store.DB.Upgrade before use.
func NewSQLStore(db *dbutil.Database, log dbutil.DatabaseLogger, accountID string) *SQLStore {
	return &SQLStore{
		DB:        db.Child(upgrades.VersionTableName, upgrades.Table, log),
		AccountID: accountID,
	}
}

const (
	upsertBackupVersionQuery = `
		INSERT INTO key_backup_state (account_id, backup_version) VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET backup_version=excluded.backup_version
	`
	upsertServerDataQuery = `
		INSERT INTO key_backup_state (account_id, server_count, server_etag) VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE SET server_count=excluded.server_count, server_etag=excluded.server_etag
	`
	upsertRecoveryKeyQuery = `
		INSERT INTO key_backup_state (account_id, recovery_key, recovery_key_version) VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE SET recovery_key=excluded.recovery_key, recovery_key_version=excluded.recovery_key_version
	`
	upsertSessionQuery = `
		INSERT INTO key_backup_session (
			account_id, room_id, session_id, sender_key, signing_key, algorithm, session_key,
			forwarding_chains, first_known_index, is_verified, backed_up, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (account_id, room_id, session_id) DO UPDATE
			SET sender_key=excluded.sender_key, signing_key=excluded.signing_key, algorithm=excluded.algorithm,
			    session_key=excluded.session_key, forwarding_chains=excluded.forwarding_chains,
			    first_known_index=excluded.first_known_index, is_verified=excluded.is_verified,
			    backed_up=excluded.backed_up
	`
	importSessionQuery = `
		INSERT INTO key_backup_session (
			account_id, room_id, session_id, sender_key, signing_key, algorithm, session_key,
			forwarding_chains, first_known_index, is_verified, backed_up, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (account_id, room_id, session_id) DO UPDATE
			SET sender_key=excluded.sender_key, signing_key=excluded.signing_key, algorithm=excluded.algorithm,
			    session_key=excluded.session_key, forwarding_chains=excluded.forwarding_chains,
			    first_known_index=excluded.first_known_index, is_verified=excluded.is_verified,
			    backed_up=(key_backup_session.backed_up OR excluded.backed_up)
			WHERE key_backup_session.first_known_index > excluded.first_known_index
	`
	getSessionsToBackupQuery = `
		SELECT room_id, session_id, sender_key, signing_key, algorithm, session_key, forwarding_chains, first_known_index, is_verified
		FROM key_backup_session
		WHERE account_id=$1 AND backed_up=$2
		ORDER BY received_at, room_id, session_id
		LIMIT $3
	`
	getSessionQuery = `
		SELECT room_id, session_id, sender_key, signing_key, algorithm, session_key, forwarding_chains, first_known_index, is_verified, backed_up
		FROM key_backup_session
		WHERE account_id=$1 AND room_id=$2 AND session_id=$3
	`
	markBackedUpQuery      = `UPDATE key_backup_session SET backed_up=$1 WHERE account_id=$2 AND room_id=$3 AND session_id=$4`
	resetBackupMarkerQuery = `UPDATE key_backup_session SET backed_up=$1 WHERE account_id=$2`
)

func (store *SQLStore) GetBackupVersion(ctx context.Context) (version id.KeyBackupVersion, err error) {
	err = store.DB.QueryRow(ctx, "SELECT backup_version FROM key_backup_state WHERE account_id=$1", store.AccountID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	return
}

func (store *SQLStore) PutBackupVersion(ctx context.Context, version id.KeyBackupVersion) error {
	_, err := store.DB.Exec(ctx, upsertBackupVersionQuery, store.AccountID, version)
	return err
}

func (store *SQLStore) GetServerData(ctx context.Context) (*backuphelper.ServerData, error) {
	var count sql.NullInt64
	var etag sql.NullString
	err := store.DB.QueryRow(ctx, "SELECT server_count, server_etag FROM key_backup_state WHERE account_id=$1", store.AccountID).Scan(&count, &etag)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !count.Valid) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &backuphelper.ServerData{Count: int(count.Int64), ETag: etag.String}, nil
}

func (store *SQLStore) PutServerData(ctx context.Context, data *backuphelper.ServerData) error {
	var count sql.NullInt64
	var etag sql.NullString
	if data != nil {
		count = sql.NullInt64{Int64: int64(data.Count), Valid: true}
		etag = sql.NullString{String: data.ETag, Valid: true}
	}
	_, err := store.DB.Exec(ctx, upsertServerDataQuery, store.AccountID, count, etag)
	return err
}

func (store *SQLStore) GetRecoveryKey(ctx context.Context) (*backuphelper.SavedRecoveryKey, error) {
	var key, version sql.NullString
	err := store.DB.QueryRow(ctx, "SELECT recovery_key, recovery_key_version FROM key_backup_state WHERE account_id=$1", store.AccountID).Scan(&key, &version)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !key.Valid) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &backuphelper.SavedRecoveryKey{RecoveryKey: key.String, Version: id.KeyBackupVersion(version.String)}, nil
}

func (store *SQLStore) PutRecoveryKey(ctx context.Context, key *backuphelper.SavedRecoveryKey) error {
	var recoveryKey, version sql.NullString
	if key != nil {
		recoveryKey = sql.NullString{String: key.RecoveryKey, Valid: true}
		version = sql.NullString{String: string(key.Version), Valid: true}
	}
	_, err := store.DB.Exec(ctx, upsertRecoveryKeyQuery, store.AccountID, recoveryKey, version)
	return err
}

func (store *SQLStore) sessionArgs(session *backuphelper.SessionExport, backedUp bool) []any {
	return []any{
		store.AccountID, session.RoomID, session.SessionID, session.SenderKey, session.SenderClaimedKeys.Ed25519,
		session.Algorithm, session.SessionKey, strings.Join(session.ForwardingKeyChain, ","),
		session.FirstKnownIndex, session.IsVerifiedSender, backedUp, time.Now().UnixMilli(),
	}
}

// PutSession stores a session. Existing sessions are replaced but keep their position in the upload queue.
func (store *SQLStore) PutSession(ctx context.Context, session *backuphelper.SessionExport, backedUp bool) error {
	_, err := store.DB.Exec(ctx, upsertSessionQuery, store.sessionArgs(session, backedUp)...)
	return err
}

func scanSession(row dbutil.Scannable, extra ...any) (*backuphelper.SessionExport, error) {
	var session backuphelper.SessionExport
	var forwardingChains string
	dest := append([]any{
		&session.RoomID, &session.SessionID, &session.SenderKey, &session.SenderClaimedKeys.Ed25519,
		&session.Algorithm, &session.SessionKey, &forwardingChains, &session.FirstKnownIndex, &session.IsVerifiedSender,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	session.ForwardingKeyChain = []string{}
	if forwardingChains != "" {
		session.ForwardingKeyChain = strings.Split(forwardingChains, ",")
	}
	return &session, nil
}

// GetSession returns a stored session and whether it has been backed up, or nil if it's not stored.
func (store *SQLStore) GetSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*backuphelper.SessionExport, bool, error) {
	var backedUp bool
	session, err := scanSession(store.DB.QueryRow(ctx, getSessionQuery, store.AccountID, roomID, sessionID), &backedUp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return session, backedUp, nil
}

func (store *SQLStore) GetSessionsToBackup(ctx context.Context, limit int) ([]*backuphelper.SessionExport, error) {
	rows, err := store.DB.Query(ctx, getSessionsToBackupQuery, store.AccountID, false, limit)
	if err != nil {
		return nil, err
	}
	return dbutil.NewRowIter(rows, func(row dbutil.Scannable) (*backuphelper.SessionExport, error) {
		return scanSession(row)
	}).AsList()
}

func (store *SQLStore) MarkBackedUp(ctx context.Context, sessions []*backuphelper.SessionExport) error {
	return store.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, session := range sessions {
			_, err := store.DB.Exec(ctx, markBackedUpQuery, true, store.AccountID, session.RoomID, session.SessionID)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (store *SQLStore) ResetBackupMarkers(ctx context.Context) error {
	_, err := store.DB.Exec(ctx, resetBackupMarkerQuery, false, store.AccountID)
	return err
}

func (store *SQLStore) CountSessions(ctx context.Context, onlyBackedUp bool) (count int, err error) {
	if onlyBackedUp {
		err = store.DB.QueryRow(ctx, "SELECT COUNT(*) FROM key_backup_session WHERE account_id=$1 AND backed_up=$2", store.AccountID, true).Scan(&count)
	} else {
		err = store.DB.QueryRow(ctx, "SELECT COUNT(*) FROM key_backup_session WHERE account_id=$1", store.AccountID).Scan(&count)
	}
	return
}

// ImportSessions stores restored sessions in a single transaction. Stored
// sessions are only replaced by copies with a lower first known index.
func (store *SQLStore) ImportSessions(ctx context.Context, sessions []*backuphelper.RestoredSession, backedUp bool, progress backuphelper.ImportProgressFunc) (int, error) {
	var imported int
	err := store.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		imported = 0
		for i, session := range sessions {
			res, err := store.DB.Exec(ctx, importSessionQuery, store.sessionArgs(session.Export(), backedUp)...)
			if err != nil {
				return err
			}
			if affected, err := res.RowsAffected(); err != nil {
				return err
			} else if affected > 0 {
				imported++
			}
			if progress != nil {
				progress(i+1, len(sessions))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return imported, nil
}
