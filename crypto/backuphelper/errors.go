// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backuphelper

import (
	"errors"

	"maunium.net/go/keybackup/crypto/recoverykey"
)

var (
	// ErrInvalidRecoveryKey is returned both for malformed recovery keys and
	// for keys that don't match the backup version.
	ErrInvalidRecoveryKey = recoverykey.ErrInvalidRecoveryKey

	ErrInvalidConfiguration = errors.New("key backup is not enabled")
	ErrMissingAuthData      = errors.New("key backup version is missing required auth data")
	ErrNoPassphrase         = errors.New("key backup version was not created with a passphrase")
	ErrNotStuck             = errors.New("key backup is already running")
	ErrBackupAllReplaced    = errors.New("backup request was replaced by a newer one")
	ErrWrongBackupVersion   = errors.New("key backup version is no longer current")
)
