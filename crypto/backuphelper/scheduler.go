// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backuphelper

import (
	"math/rand/v2"
	"time"

	"maunium.net/go/keybackup/crypto/recoverykey"
)

// Scheduler runs delayed tasks. The returned function cancels the task if it
// hasn't started yet.
type Scheduler interface {
	AfterFunc(delay time.Duration, fn func()) (cancel func() bool)
}

type timerScheduler struct{}

func (timerScheduler) AfterFunc(delay time.Duration, fn func()) func() bool {
	return time.AfterFunc(delay, fn).Stop
}

// TimerScheduler is the default Scheduler using time.AfterFunc.
var TimerScheduler Scheduler = timerScheduler{}

// Config contains tunables for the backup helper.
type Config struct {
	// BatchSize is the maximum number of sessions uploaded in a single request.
	BatchSize int
	// MaxJitter is the upper bound of the random delay before uploading new keys,
	// used to avoid all of a user's devices uploading at the same time.
	MaxJitter time.Duration

	// PassphraseIterations is the PBKDF2 iteration count for new passphrase-based backups.
	PassphraseIterations int

	Scheduler Scheduler
	// Jitter returns the delay to use before an upload. Defaults to a uniformly
	// random duration in [0, MaxJitter).
	Jitter func(maxDelay time.Duration) time.Duration
}

const (
	DefaultBatchSize = 100
	DefaultMaxJitter = 10 * time.Second
)

func randomJitter(maxDelay time.Duration) time.Duration {
	if maxDelay <= 0 {
		return 0
	}
	return rand.N(maxDelay)
}

func (cfg Config) withDefaults() Config {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	} else if cfg.MaxJitter == 0 {
		cfg.MaxJitter = DefaultMaxJitter
	}
	if cfg.PassphraseIterations <= 0 {
		cfg.PassphraseIterations = recoverykey.DefaultIterations
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = TimerScheduler
	}
	if cfg.Jitter == nil {
		cfg.Jitter = randomJitter
	}
	return cfg
}
