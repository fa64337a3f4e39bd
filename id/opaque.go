// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"strings"
)

// A UserID is a string starting with @ that references a specific user.
type UserID string

// A RoomID is a string starting with ! that references a specific room.
// https://matrix.org/docs/spec/appendices#room-ids-and-event-ids
type RoomID string

// A DeviceID is an arbitrary string that references a specific device.
type DeviceID string

// A SessionID is the identifier of a single megolm session.
type SessionID string

// A KeyID is a string usually formatted as <algorithm>:<device_id> that is used as the key in deviceid-key mappings.
type KeyID string

// A KeyBackupVersion is the server-assigned identifier of one key backup generation.
type KeyBackupVersion string

func (userID UserID) String() string {
	return string(userID)
}

// Homeserver returns the server name part of the user ID, or an empty string if the ID is malformed.
func (userID UserID) Homeserver() string {
	if !strings.HasPrefix(string(userID), "@") {
		return ""
	}
	_, server, found := strings.Cut(string(userID), ":")
	if !found {
		return ""
	}
	return server
}

func (roomID RoomID) String() string {
	return string(roomID)
}

func (deviceID DeviceID) String() string {
	return string(deviceID)
}

func (sessionID SessionID) String() string {
	return string(sessionID)
}

func (keyID KeyID) String() string {
	return string(keyID)
}

func (version KeyBackupVersion) String() string {
	return string(version)
}
