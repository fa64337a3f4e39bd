// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package recoverykey

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"errors"
	"fmt"

	"go.mau.fi/util/random"
)

const (
	// DefaultIterations is the PBKDF2 iteration count used for new passphrase-based backups.
	DefaultIterations = 500000
	// SaltLength is the length of generated passphrase salts.
	SaltLength = 32
	// ProgressTotal is the total passed to progress callbacks during derivation.
	ProgressTotal = 100
)

var ErrInvalidIterations = errors.New("iteration count must be positive")

// ProgressFunc receives derivation progress as (progress, ProgressTotal).
type ProgressFunc func(progress, total int)

// GenerateSalt returns a random alphanumeric salt for passphrase derivation.
func GenerateSalt() string {
	return random.String(SaltLength)
}

// DeriveFromPassword derives a 32-byte private key from the passphrase using
// PBKDF2-HMAC-SHA512 with the UTF-8 bytes of the salt.
//
// If progress is non-nil, it is called from a separate goroutine with strictly
// increasing values. The derivation never waits for the callback, but this
// function only returns after every progress update has been delivered.
func DeriveFromPassword(ctx context.Context, password, salt string, iterations int, progress ProgressFunc) ([]byte, error) {
	if iterations <= 0 {
		return nil, ErrInvalidIterations
	}
	var updates chan int
	var done chan struct{}
	if progress != nil {
		// Buffer fits every possible update so sending never blocks.
		updates = make(chan int, ProgressTotal+1)
		done = make(chan struct{})
		go func() {
			defer close(done)
			for value := range updates {
				progress(value, ProgressTotal)
			}
		}()
	}

	key, err := pbkdf2SHA512(ctx, []byte(password), []byte(salt), iterations, updates)

	if updates != nil {
		close(updates)
		<-done
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// pbkdf2SHA512 computes the first output block of PBKDF2 (which is enough for
// a key shorter than the 64-byte hash output) and reports whole-percent progress.
func pbkdf2SHA512(ctx context.Context, password, salt []byte, iterations int, updates chan<- int) ([]byte, error) {
	prf := hmac.New(sha512.New, password)
	prf.Write(salt)
	prf.Write([]byte{0, 0, 0, 1})
	u := prf.Sum(nil)
	t := make([]byte, len(u))
	copy(t, u)

	lastReported := -1
	report := func(i int) {
		if updates == nil {
			return
		}
		if percent := i * ProgressTotal / iterations; percent > lastReported {
			lastReported = percent
			updates <- percent
		}
	}
	report(0)
	for i := 1; i < iterations; i++ {
		if i%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("key derivation interrupted: %w", err)
			}
		}
		prf.Reset()
		prf.Write(u)
		u = prf.Sum(u[:0])
		for j := range t {
			t[j] ^= u[j]
		}
		report(i)
	}
	report(iterations)
	return t[:KeyLength], nil
}
