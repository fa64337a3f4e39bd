// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"

	"github.com/chzyer/readline"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/zeroconfig"
	"golang.org/x/net/publicsuffix"
	flag "maunium.net/go/mauflag"

	"maunium.net/go/keybackup"
	"maunium.net/go/keybackup/crypto/backuphelper"
	"maunium.net/go/keybackup/crypto/backuphelper/sqlstore"
	"maunium.net/go/keybackup/id"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var usePassphrase = flag.MakeFull("p", "passphrase", "Use a passphrase instead of a recovery key.", "false").Bool()
var roomFilter = flag.MakeFull("r", "room", "Only restore keys of this room.", "").String()
var sessionFilter = flag.MakeFull("s", "session", "Only restore this session. Requires --room.", "").String()
var qrPath = flag.MakeFull("q", "qr", "Save the recovery key of a new backup as a QR code PNG to this path.", "").String()
var untrust = flag.Make().LongKey("untrust").Usage("Remove this device's signature instead of adding it.").Default("false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

var writerTypeReadline zeroconfig.WriterType = "keybackup_readline"

func main() {
	flag.SetHelpTitles(
		"keybackup - manage the server-side megolm key backup of a Matrix device",
		"keybackup [-hep] [-c <path>] [-r <room ID> [-s <session ID>]] [-q <path>] <status|create|restore|trust|delete <version>|force-latest|backup-all>")
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *writeExampleConfig {
		exerrors.PanicIfNotNil(os.WriteFile(*configPath, []byte(ExampleConfig), 0600))
		return
	}
	args := flag.Args()
	if len(args) == 0 {
		flag.PrintHelp()
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}

	rl := exerrors.Must(readline.New("> "))
	defer func() {
		_ = rl.Close()
	}()
	zeroconfig.RegisterWriter(writerTypeReadline, func(config *zeroconfig.WriterConfig) (io.Writer, error) {
		return rl.Stdout(), nil
	})
	for i, writer := range cfg.Logging.Writers {
		if writer.Type == zeroconfig.WriterTypeStdout {
			cfg.Logging.Writers[i].Type = writerTypeReadline
		}
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)

	ctx, cancel := signal.NotifyContext(log.WithContext(context.Background()), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := exerrors.Must(newApp(ctx, cfg, *log, rl))
	if err = app.run(ctx, args[0], args[1:]); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		_ = rl.Close()
		os.Exit(2)
	}
}

type app struct {
	rl     *readline.Instance
	out    io.Writer
	log    zerolog.Logger
	store  *sqlstore.SQLStore
	helper *backuphelper.BackupHelper
}

func newApp(ctx context.Context, cfg *Config, log zerolog.Logger, rl *readline.Instance) (*app, error) {
	client, err := keybackup.NewClient(cfg.Homeserver.URL, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	client.DeviceID = cfg.DeviceID
	client.Log = log.With().Str("component", "client").Logger()
	client.DefaultHTTPRetries = cfg.Backup.HTTPRetries
	// Some reverse proxies pin clients to a backend with a cookie.
	client.Client.Jar, err = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	db, err := dbutil.NewFromConfig("keybackup", cfg.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store := sqlstore.NewSQLStore(db, dbutil.ZeroLogger(log.With().Str("db_section", "key_backup").Logger()), fmt.Sprintf("%s/%s", cfg.UserID, cfg.DeviceID))
	if err = store.DB.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}

	signingKey, _ := cfg.signingKey()
	signer := &backuphelper.DeviceSigner{DeviceID: cfg.DeviceID, Key: signingKey}
	devices := &configDevices{
		own:     &backuphelper.Device{DeviceID: cfg.DeviceID, SigningKey: signer.SigningKey(), Trust: id.TrustStateVerified},
		trusted: cfg.TrustedDevices,
	}
	helper := backuphelper.NewBackupHelper(client, cfg.UserID, store, devices, log, cfg.helperConfig())
	helper.Signer = signer
	out := rl.Stdout()
	helper.States.AddListener(func(state backuphelper.BackupState) {
		_, _ = fmt.Fprintf(out, "Backup state: %s\n", state)
	})
	return &app{rl: rl, out: out, log: log, store: store, helper: helper}, nil
}
