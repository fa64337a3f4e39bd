// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keybackup

import (
	"maunium.net/go/keybackup/crypto/backup"
	"maunium.net/go/keybackup/id"
)

// ReqRoomKeysVersionCreate is the request body for POST /_matrix/client/v3/room_keys/version
// https://spec.matrix.org/v1.9/client-server-api/#post_matrixclientv3room_keysversion
type ReqRoomKeysVersionCreate[A any] struct {
	Algorithm id.KeyBackupAlgorithm `json:"algorithm"`
	AuthData  A                     `json:"auth_data"`
}

// ReqRoomKeysVersionUpdate is the request body for PUT /_matrix/client/v3/room_keys/version/{version}
// https://spec.matrix.org/v1.9/client-server-api/#put_matrixclientv3room_keysversionversion
type ReqRoomKeysVersionUpdate[A any] struct {
	Algorithm id.KeyBackupAlgorithm `json:"algorithm"`
	AuthData  A                     `json:"auth_data"`
	Version   id.KeyBackupVersion   `json:"version,omitempty"`
}

// ReqKeyBackup is the request body for PUT /_matrix/client/v3/room_keys/keys
// https://spec.matrix.org/v1.9/client-server-api/#put_matrixclientv3room_keyskeys
type ReqKeyBackup struct {
	Rooms map[id.RoomID]ReqRoomKeyBackup `json:"rooms"`
}

type ReqRoomKeyBackup struct {
	Sessions map[id.SessionID]ReqKeyBackupData `json:"sessions"`
}

type ReqKeyBackupData struct {
	FirstMessageIndex int                                                    `json:"first_message_index"`
	ForwardedCount    int                                                    `json:"forwarded_count"`
	IsVerified        bool                                                   `json:"is_verified"`
	SessionData       *backup.EncryptedSessionData[backup.MegolmSessionData] `json:"session_data"`
}

// Add inserts the session into the request, creating the room entry if necessary.
func (req *ReqKeyBackup) Add(roomID id.RoomID, sessionID id.SessionID, data ReqKeyBackupData) {
	if req.Rooms == nil {
		req.Rooms = make(map[id.RoomID]ReqRoomKeyBackup)
	}
	room, ok := req.Rooms[roomID]
	if !ok {
		room = ReqRoomKeyBackup{Sessions: make(map[id.SessionID]ReqKeyBackupData)}
		req.Rooms[roomID] = room
	}
	room.Sessions[sessionID] = data
}

// Count returns the total number of sessions in the request.
func (req *ReqKeyBackup) Count() (count int) {
	for _, room := range req.Rooms {
		count += len(room.Sessions)
	}
	return
}
