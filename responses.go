// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keybackup

import (
	"maunium.net/go/keybackup/id"
)

// RespRoomKeysVersionCreate is the response body for POST /_matrix/client/v3/room_keys/version
type RespRoomKeysVersionCreate struct {
	Version id.KeyBackupVersion `json:"version"`
}

// RespRoomKeysVersion is the response body for GET /_matrix/client/v3/room_keys/version(/{version})
// https://spec.matrix.org/v1.9/client-server-api/#get_matrixclientv3room_keysversion
type RespRoomKeysVersion[A any] struct {
	Algorithm id.KeyBackupAlgorithm `json:"algorithm"`
	AuthData  A                     `json:"auth_data"`
	Count     int                   `json:"count"`
	ETag      string                `json:"etag"`
	Version   id.KeyBackupVersion   `json:"version"`
}

// RespRoomKeysUpdate is the response body for PUT /_matrix/client/v3/room_keys/keys
type RespRoomKeysUpdate struct {
	Count int    `json:"count"`
	ETag  string `json:"etag"`
}

// RespRoomKeys is the response body for GET /_matrix/client/v3/room_keys/keys
type RespRoomKeys[S any] struct {
	Rooms map[id.RoomID]RespRoomKeyBackup[S] `json:"rooms"`
}

// RespRoomKeyBackup is the response body for GET /_matrix/client/v3/room_keys/keys/{roomID}
type RespRoomKeyBackup[S any] struct {
	Sessions map[id.SessionID]RespKeyBackupData[S] `json:"sessions"`
}

// RespKeyBackupData is the response body for GET /_matrix/client/v3/room_keys/keys/{roomID}/{sessionID}
type RespKeyBackupData[S any] struct {
	FirstMessageIndex int  `json:"first_message_index"`
	ForwardedCount    int  `json:"forwarded_count"`
	IsVerified        bool `json:"is_verified"`
	SessionData       S    `json:"session_data"`
}

// Count returns the total number of sessions in the response.
func (resp *RespRoomKeys[S]) Count() (count int) {
	for _, room := range resp.Rooms {
		count += len(room.Sessions)
	}
	return
}
