// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/skip2/go-qrcode"

	"maunium.net/go/keybackup"
	"maunium.net/go/keybackup/crypto/backuphelper"
	"maunium.net/go/keybackup/id"
)

const qrSizePx = 512

var ErrUnknownCommand = errors.New("unknown command")
var ErrNoBackup = errors.New("there is no key backup on the server")

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch strings.ToLower(command) {
	case "status":
		return a.status(ctx)
	case "create":
		return a.create(ctx)
	case "restore":
		return a.restore(ctx)
	case "trust":
		return a.trust(ctx)
	case "delete":
		if len(args) != 1 {
			return errors.New("usage: delete <version>")
		}
		return a.helper.DeleteBackup(ctx, id.KeyBackupVersion(args[0]))
	case "force-latest":
		alreadyLatest, err := a.helper.ForceUsingLastVersion(ctx)
		if err != nil {
			return err
		}
		a.printf("Already using latest version: %t\n", alreadyLatest)
		return a.printStatus(ctx)
	case "backup-all":
		return a.backupAll(ctx)
	default:
		return fmt.Errorf("%w %q", ErrUnknownCommand, command)
	}
}

func (a *app) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.out, format, args...)
}

// start checks the server for a usable backup. It's a no-op if the state is already known.
func (a *app) start(ctx context.Context) error {
	err := a.helper.CheckAndStart(ctx)
	if errors.Is(err, backuphelper.ErrNotStuck) {
		return nil
	}
	return err
}

func (a *app) currentVersion(ctx context.Context) (*keybackup.BackupVersion, error) {
	version, err := a.helper.GetCurrentVersion(ctx)
	if err != nil {
		return nil, err
	} else if version == nil {
		return nil, ErrNoBackup
	}
	return version, nil
}

func (a *app) status(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	return a.printStatus(ctx)
}

func (a *app) printStatus(ctx context.Context) error {
	a.helper.States.WaitForDispatch()
	a.printf("State: %s\n", a.helper.State())
	if active := a.helper.ActiveVersion(); active != nil {
		a.printf("Active version: %s (%d keys on server)\n", active.Version, active.Count)
	}
	backedUp, total, err := a.helper.BackupProgress(ctx)
	if err != nil {
		return err
	}
	a.printf("Backed up keys: %d/%d\n", backedUp, total)
	canRestore, err := a.helper.CanRestoreKeys(ctx)
	if err != nil {
		return err
	} else if canRestore {
		a.printf("The server has keys that aren't stored locally, use the restore command to fetch them\n")
	}
	saved, err := a.helper.SavedRecoveryKey(ctx)
	if err != nil {
		return err
	} else if saved != nil {
		a.printf("A recovery key for version %s is saved locally\n", saved.Version)
	}
	return nil
}

func (a *app) readSecret(prompt string) (string, error) {
	secret, err := a.rl.ReadPassword(prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(secret)), nil
}

func (a *app) create(ctx context.Context) error {
	var passphrase string
	if *usePassphrase {
		var err error
		if passphrase, err = a.readSecret("Passphrase: "); err != nil {
			return err
		}
		confirm, err := a.readSecret("Confirm passphrase: ")
		if err != nil {
			return err
		} else if confirm != passphrase {
			return errors.New("passphrases don't match")
		}
	}
	info, err := a.helper.PrepareVersion(ctx, passphrase, func(progress, total int) {
		a.printf("\rDeriving key: %d/%d", progress, total)
	})
	if err != nil {
		return err
	}
	if passphrase != "" {
		a.printf("\n")
	}
	if err = a.start(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Failed to check existing key backup")
	}
	version, err := a.helper.CreateVersion(ctx, info)
	if err != nil {
		return err
	}
	a.printf("Created key backup version %s\nRecovery key: %s\n", version, info.RecoveryKey)
	if *qrPath != "" {
		qrData, err := qrcode.Encode(info.RecoveryKey, qrcode.Medium, qrSizePx)
		if err != nil {
			return fmt.Errorf("failed to encode QR code: %w", err)
		} else if err = os.WriteFile(*qrPath, qrData, 0600); err != nil {
			return fmt.Errorf("failed to save QR code: %w", err)
		}
		a.printf("Saved recovery key QR code to %s\n", *qrPath)
	}
	return a.backupAll(ctx)
}

func (a *app) printStep(progress backuphelper.StepProgress) {
	if progress.Total > 0 {
		a.printf("\r%s: %d/%d", progress.Step, progress.Progress, progress.Total)
		if progress.Progress == progress.Total {
			a.printf("\n")
		}
	} else {
		a.printf("%s\n", progress.Step)
	}
}

func (a *app) restore(ctx context.Context) error {
	if *sessionFilter != "" && *roomFilter == "" {
		return errors.New("--session requires --room")
	}
	version, err := a.currentVersion(ctx)
	if err != nil {
		return err
	}
	roomID, sessionID := id.RoomID(*roomFilter), id.SessionID(*sessionFilter)
	var result *backuphelper.ImportResult
	if *usePassphrase {
		passphrase, err := a.readSecret("Passphrase: ")
		if err != nil {
			return err
		}
		result, err = a.helper.RestoreWithPassphrase(ctx, version, passphrase, roomID, sessionID, a.printStep)
		if err != nil {
			return err
		}
	} else {
		recoveryKey, err := a.recoveryKey(ctx, version)
		if err != nil {
			return err
		}
		result, err = a.helper.RestoreWithRecoveryKey(ctx, version, recoveryKey, roomID, sessionID, a.printStep)
		if err != nil {
			return err
		}
	}
	a.printf("Imported %d of %d keys from version %s\n", result.Imported, result.Total, version.Version)
	return nil
}

// recoveryKey returns the saved recovery key if it belongs to the version, or prompts for one.
func (a *app) recoveryKey(ctx context.Context, version *keybackup.BackupVersion) (string, error) {
	saved, err := a.helper.SavedRecoveryKey(ctx)
	if err != nil {
		return "", err
	} else if saved != nil && saved.Version == version.Version {
		return saved.RecoveryKey, nil
	}
	return a.readSecret("Recovery key: ")
}

func (a *app) trust(ctx context.Context) error {
	version, err := a.currentVersion(ctx)
	if err != nil {
		return err
	}
	if *untrust {
		err = a.helper.TrustVersion(ctx, version, false)
	} else if *usePassphrase {
		var passphrase string
		if passphrase, err = a.readSecret("Passphrase: "); err != nil {
			return err
		}
		err = a.helper.TrustVersionWithPassphrase(ctx, version, passphrase)
	} else {
		var recoveryKey string
		if recoveryKey, err = a.recoveryKey(ctx, version); err != nil {
			return err
		}
		err = a.helper.TrustVersionWithRecoveryKey(ctx, version, recoveryKey)
	}
	if err != nil {
		return err
	}
	return a.printStatus(ctx)
}

func (a *app) backupAll(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	err := a.helper.BackupAllGroupSessions(ctx, func(backedUp, total int) {
		a.printf("\rBacked up %d/%d keys", backedUp, total)
	})
	a.printf("\n")
	return err
}
