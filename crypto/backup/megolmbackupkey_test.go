// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backup_test

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/keybackup/crypto/backup"
	"maunium.net/go/keybackup/crypto/recoverykey"
)

func TestMegolmBackupKey_RecoveryKeyRoundtrip(t *testing.T) {
	key, err := backup.NewMegolmBackupKey()
	require.NoError(t, err)

	parsed, err := backup.MegolmBackupKeyFromRecoveryKey(key.RecoveryKey())
	require.NoError(t, err)
	assert.Equal(t, key.Bytes(), parsed.Bytes())
	assert.Equal(t, key.PublicKeyString(), parsed.PublicKeyString())
}

func TestMegolmBackupKey_FromKnownRecoveryKey(t *testing.T) {
	key, err := backup.MegolmBackupKeyFromRecoveryKey("EsTL 2cTx 9Qy1 8TVd qGsn GDrD i5dT EEuX Qz8U P7hi Z7uu U8wZ")
	require.NoError(t, err)
	assert.Equal(t, "QCFDrXZYLEFnwf4NikVm62rYGJS2mNBEmAWLC3CgNPw=", base64.StdEncoding.EncodeToString(key.Bytes()))
}

func TestMegolmBackupKeyFromRecoveryKey_Invalid(t *testing.T) {
	_, err := backup.MegolmBackupKeyFromRecoveryKey("EsTL 2cTx 9Qy1")
	assert.ErrorIs(t, err, recoverykey.ErrInvalidRecoveryKey)
}

func TestMegolmBackupKey_MatchesPublicKey(t *testing.T) {
	key, err := backup.NewMegolmBackupKey()
	require.NoError(t, err)
	other, err := backup.NewMegolmBackupKey()
	require.NoError(t, err)

	assert.True(t, key.MatchesPublicKey(key.PublicKeyString()))
	assert.False(t, key.MatchesPublicKey(other.PublicKeyString()))
	assert.False(t, key.MatchesPublicKey("not a key"))
	assert.False(t, key.MatchesPublicKey(""))
}

func TestMegolmBackupKeyFromBytes_Deterministic(t *testing.T) {
	keyBytes, err := base64.RawStdEncoding.DecodeString("ReSMMZeRtDSdrwXzu2OvN0B73KUXkYPt3kaYfFIkw10")
	require.NoError(t, err)
	a, err := backup.MegolmBackupKeyFromBytes(keyBytes)
	require.NoError(t, err)
	b, err := backup.MegolmBackupKeyFromBytes(keyBytes)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKeyString(), b.PublicKeyString())

	_, err = backup.MegolmBackupKeyFromBytes(keyBytes[:16])
	assert.Error(t, err)
}
