// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"crypto/ed25519"
	_ "embed"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"maunium.net/go/keybackup/crypto/backuphelper"
	"maunium.net/go/keybackup/id"
)

//go:embed example-config.yaml
var ExampleConfig string

type HomeserverConfig struct {
	URL string `yaml:"url"`
}

type BackupConfig struct {
	UploadBatchSize int           `yaml:"upload_batch_size"`
	MaxUploadJitter time.Duration `yaml:"max_upload_jitter"`
	HTTPRetries     int           `yaml:"http_retries"`
}

type TrustedDevice struct {
	SigningKey id.Ed25519 `yaml:"signing_key"`
	// Defaults to verified if unset.
	Trust *id.TrustState `yaml:"trust"`
}

func (td TrustedDevice) trustState() id.TrustState {
	if td.Trust == nil {
		return id.TrustStateVerified
	}
	return *td.Trust
}

type Config struct {
	Homeserver  HomeserverConfig `yaml:"homeserver"`
	UserID      id.UserID        `yaml:"user_id"`
	DeviceID    id.DeviceID      `yaml:"device_id"`
	AccessToken string           `yaml:"access_token"`
	// Unpadded base64 ed25519 seed of the device's signing key.
	SigningKey string `yaml:"signing_key"`
	// Other devices of the user whose signatures on the backup may be trusted.
	TrustedDevices map[id.DeviceID]TrustedDevice `yaml:"trusted_devices"`

	Database dbutil.Config     `yaml:"database"`
	Backup   BackupConfig      `yaml:"backup"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

var (
	ErrMissingHomeserver = errors.New("homeserver.url not configured")
	ErrMissingLogin      = errors.New("user_id, device_id and access_token must be configured")
	ErrInvalidSigningKey = errors.New("signing_key must be an unpadded base64 ed25519 seed")
	ErrMissingDeviceKey  = errors.New("trusted_devices entries must have a signing_key")
)

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, cfg.validate()
}

func (cfg *Config) validate() error {
	if cfg.Homeserver.URL == "" {
		return ErrMissingHomeserver
	} else if cfg.UserID == "" || cfg.DeviceID == "" || cfg.AccessToken == "" {
		return ErrMissingLogin
	} else if _, err := cfg.signingKey(); err != nil {
		return err
	}
	for deviceID, device := range cfg.TrustedDevices {
		if device.SigningKey == "" {
			return fmt.Errorf("%w (%s)", ErrMissingDeviceKey, deviceID)
		}
	}
	return nil
}

func (cfg *Config) signingKey() (ed25519.PrivateKey, error) {
	seed, err := base64.RawStdEncoding.DecodeString(cfg.SigningKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSigningKey
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (cfg *Config) helperConfig() backuphelper.Config {
	return backuphelper.Config{
		BatchSize: cfg.Backup.UploadBatchSize,
		MaxJitter: cfg.Backup.MaxUploadJitter,
	}
}

// configDevices is a DeviceSource backed by the config file. The local device
// is always verified, other listed devices have the configured trust state.
type configDevices struct {
	own     *backuphelper.Device
	trusted map[id.DeviceID]TrustedDevice
}

func (cd *configDevices) GetOwnDevice(_ context.Context, deviceID id.DeviceID) (*backuphelper.Device, error) {
	if deviceID == cd.own.DeviceID {
		return cd.own, nil
	} else if device, ok := cd.trusted[deviceID]; ok {
		return &backuphelper.Device{DeviceID: deviceID, SigningKey: device.SigningKey, Trust: device.trustState()}, nil
	}
	return nil, nil
}
