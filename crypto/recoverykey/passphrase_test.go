// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package recoverykey_test

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"maunium.net/go/keybackup/crypto/recoverykey"
)

func TestDeriveFromPassword_KnownVector(t *testing.T) {
	salt := make([]byte, 16)
	for i := range salt {
		salt[i] = byte(i)
	}
	key, err := recoverykey.DeriveFromPassword(context.TODO(), "Hello world", string(salt), 1000, nil)
	require.NoError(t, err)
	assert.Equal(t, "ffk9YdbVE1cgqOWgDaec0lH+rJzO+MuCcxpIn3Z6D0E=", base64.StdEncoding.EncodeToString(key))
}

func TestDeriveFromPassword_MatchesReference(t *testing.T) {
	testCases := []struct {
		password   string
		salt       string
		iterations int
	}{
		{"correct horse battery staple", "salt", 1},
		{"correct horse battery staple", "salt", 2},
		{"pässwörd", recoverykey.GenerateSalt(), 1234},
		{"", "empty password", 10},
	}
	for _, tc := range testCases {
		t.Run(tc.password, func(t *testing.T) {
			key, err := recoverykey.DeriveFromPassword(context.TODO(), tc.password, tc.salt, tc.iterations, nil)
			require.NoError(t, err)
			expected := pbkdf2.Key([]byte(tc.password), []byte(tc.salt), tc.iterations, recoverykey.KeyLength, sha512.New)
			assert.Equal(t, expected, key)
		})
	}
}

func TestDeriveFromPassword_Deterministic(t *testing.T) {
	derive := func(password, salt string, iterations int) []byte {
		key, err := recoverykey.DeriveFromPassword(context.TODO(), password, salt, iterations, nil)
		require.NoError(t, err)
		return key
	}
	base := derive("password", "salt", 100)
	assert.Equal(t, base, derive("password", "salt", 100))
	assert.NotEqual(t, base, derive("password", "salt2", 100))
	assert.NotEqual(t, base, derive("password", "salt", 101))
	assert.NotEqual(t, base, derive("password2", "salt", 100))
}

func TestDeriveFromPassword_Progress(t *testing.T) {
	var lock sync.Mutex
	var values []int
	_, err := recoverykey.DeriveFromPassword(context.TODO(), "password", "salt", 5000, func(progress, total int) {
		lock.Lock()
		defer lock.Unlock()
		assert.Equal(t, recoverykey.ProgressTotal, total)
		values = append(values, progress)
	})
	require.NoError(t, err)

	lock.Lock()
	defer lock.Unlock()
	require.NotEmpty(t, values)
	assert.Equal(t, 0, values[0])
	assert.Equal(t, recoverykey.ProgressTotal, values[len(values)-1])
	for i := 1; i < len(values); i++ {
		assert.Greater(t, values[i], values[i-1])
	}
}

func TestDeriveFromPassword_Errors(t *testing.T) {
	_, err := recoverykey.DeriveFromPassword(context.TODO(), "password", "salt", 0, nil)
	assert.ErrorIs(t, err, recoverykey.ErrInvalidIterations)

	ctx, cancel := context.WithCancel(context.TODO())
	cancel()
	_, err = recoverykey.DeriveFromPassword(ctx, "password", "salt", 50000, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateSalt(t *testing.T) {
	salt := recoverykey.GenerateSalt()
	assert.Len(t, salt, recoverykey.SaltLength)
	assert.NotEqual(t, salt, recoverykey.GenerateSalt())
}
