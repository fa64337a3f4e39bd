// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backuphelper

import (
	"context"
	"sync"

	"maunium.net/go/keybackup/crypto/backup"
	"maunium.net/go/keybackup/id"
)

// SessionExport is the exported form of an inbound megolm session.
type SessionExport struct {
	RoomID             id.RoomID
	SessionID          id.SessionID
	SenderKey          id.SenderKey
	Algorithm          id.Algorithm
	ForwardingKeyChain []string
	SessionKey         string
	FirstKnownIndex    int
	SenderClaimedKeys  backup.SenderClaimedKeys
	IsVerifiedSender   bool
}

// ForwardedCount returns how many times the session has been forwarded.
func (se *SessionExport) ForwardedCount() int {
	return len(se.ForwardingKeyChain)
}

// SessionData returns the payload that is encrypted into the backup.
func (se *SessionExport) SessionData() backup.MegolmSessionData {
	chain := se.ForwardingKeyChain
	if chain == nil {
		chain = []string{}
	}
	return backup.MegolmSessionData{
		Algorithm:          se.Algorithm,
		ForwardingKeyChain: chain,
		SenderClaimedKeys:  se.SenderClaimedKeys,
		SenderKey:          se.SenderKey,
		SessionKey:         se.SessionKey,
	}
}

// ServerData is the last known key count and etag of the active backup.
type ServerData struct {
	Count int
	ETag  string
}

// SavedRecoveryKey is a recovery key that was validated against a backup version.
type SavedRecoveryKey struct {
	RecoveryKey string
	Version     id.KeyBackupVersion
}

// Store is the local state needed for key backups.
type Store interface {
	// GetBackupVersion returns the version that was last used for backing up keys.
	GetBackupVersion(ctx context.Context) (id.KeyBackupVersion, error)
	PutBackupVersion(ctx context.Context, version id.KeyBackupVersion) error

	GetServerData(ctx context.Context) (*ServerData, error)
	// PutServerData stores the server data, or clears it if data is nil.
	PutServerData(ctx context.Context, data *ServerData) error

	// GetSessionsToBackup returns up to limit sessions that haven't been backed up yet.
	GetSessionsToBackup(ctx context.Context, limit int) ([]*SessionExport, error)
	MarkBackedUp(ctx context.Context, sessions []*SessionExport) error
	ResetBackupMarkers(ctx context.Context) error
	// CountSessions returns the number of stored sessions, optionally only counting backed up ones.
	CountSessions(ctx context.Context, onlyBackedUp bool) (int, error)

	GetRecoveryKey(ctx context.Context) (*SavedRecoveryKey, error)
	// PutRecoveryKey stores the recovery key, or clears it if key is nil.
	PutRecoveryKey(ctx context.Context, key *SavedRecoveryKey) error
}

type sessionKey struct {
	roomID    id.RoomID
	sessionID id.SessionID
}

type memorySession struct {
	*SessionExport
	backedUp bool
}

// MemoryStore is an in-memory Store, which also acts as a SessionImporter.
type MemoryStore struct {
	lock       sync.RWMutex
	version    id.KeyBackupVersion
	serverData *ServerData
	recovery   *SavedRecoveryKey
	sessions   []*memorySession
	index      map[sessionKey]*memorySession
}

var (
	_ Store           = (*MemoryStore)(nil)
	_ SessionImporter = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[sessionKey]*memorySession)}
}

// AddSession stores a session that isn't backed up yet. Existing sessions
// with the same room and session ID are replaced.
func (ms *MemoryStore) AddSession(session *SessionExport) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.putSession(session, false)
}

func (ms *MemoryStore) putSession(session *SessionExport, backedUp bool) {
	key := sessionKey{session.RoomID, session.SessionID}
	if existing, ok := ms.index[key]; ok {
		existing.SessionExport = session
		existing.backedUp = backedUp
		return
	}
	entry := &memorySession{SessionExport: session, backedUp: backedUp}
	ms.sessions = append(ms.sessions, entry)
	ms.index[key] = entry
}

func (ms *MemoryStore) importSession(session *SessionExport, backedUp bool) bool {
	existing, ok := ms.index[sessionKey{session.RoomID, session.SessionID}]
	if !ok {
		ms.putSession(session, backedUp)
		return true
	} else if existing.FirstKnownIndex <= session.FirstKnownIndex {
		return false
	}
	existing.SessionExport = session
	existing.backedUp = existing.backedUp || backedUp
	return true
}

// GetSession returns a stored session and whether it has been backed up.
func (ms *MemoryStore) GetSession(roomID id.RoomID, sessionID id.SessionID) (*SessionExport, bool) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	entry, ok := ms.index[sessionKey{roomID, sessionID}]
	if !ok {
		return nil, false
	}
	return entry.SessionExport, entry.backedUp
}

func (ms *MemoryStore) GetBackupVersion(_ context.Context) (id.KeyBackupVersion, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	return ms.version, nil
}

func (ms *MemoryStore) PutBackupVersion(_ context.Context, version id.KeyBackupVersion) error {
	ms.lock.Lock()
	ms.version = version
	ms.lock.Unlock()
	return nil
}

func (ms *MemoryStore) GetServerData(_ context.Context) (*ServerData, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	if ms.serverData == nil {
		return nil, nil
	}
	data := *ms.serverData
	return &data, nil
}

func (ms *MemoryStore) PutServerData(_ context.Context, data *ServerData) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if data == nil {
		ms.serverData = nil
	} else {
		copied := *data
		ms.serverData = &copied
	}
	return nil
}

func (ms *MemoryStore) GetSessionsToBackup(_ context.Context, limit int) ([]*SessionExport, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	var sessions []*SessionExport
	for _, entry := range ms.sessions {
		if len(sessions) >= limit {
			break
		} else if !entry.backedUp {
			sessions = append(sessions, entry.SessionExport)
		}
	}
	return sessions, nil
}

func (ms *MemoryStore) MarkBackedUp(_ context.Context, sessions []*SessionExport) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	for _, session := range sessions {
		if entry, ok := ms.index[sessionKey{session.RoomID, session.SessionID}]; ok {
			entry.backedUp = true
		}
	}
	return nil
}

func (ms *MemoryStore) ResetBackupMarkers(_ context.Context) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	for _, entry := range ms.sessions {
		entry.backedUp = false
	}
	return nil
}

func (ms *MemoryStore) CountSessions(_ context.Context, onlyBackedUp bool) (count int, err error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	if !onlyBackedUp {
		return len(ms.sessions), nil
	}
	for _, entry := range ms.sessions {
		if entry.backedUp {
			count++
		}
	}
	return
}

func (ms *MemoryStore) GetRecoveryKey(_ context.Context) (*SavedRecoveryKey, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	return ms.recovery, nil
}

func (ms *MemoryStore) PutRecoveryKey(_ context.Context, key *SavedRecoveryKey) error {
	ms.lock.Lock()
	ms.recovery = key
	ms.lock.Unlock()
	return nil
}

func (ms *MemoryStore) ImportSessions(_ context.Context, sessions []*RestoredSession, backedUp bool, progress ImportProgressFunc) (int, error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	var imported int
	for i, session := range sessions {
		if ms.importSession(session.Export(), backedUp) {
			imported++
		}
		if progress != nil {
			progress(i+1, len(sessions))
		}
	}
	return imported, nil
}
