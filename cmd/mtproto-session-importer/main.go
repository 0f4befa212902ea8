package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"tg-trend-engine/internal/adapters/mtproto"
	"tg-trend-engine/internal/adapters/repo"
	"tg-trend-engine/internal/infra/config"
	"tg-trend-engine/internal/infra/crypto"
	"tg-trend-engine/internal/infra/db"
	applog "tg-trend-engine/internal/infra/log"
	"tg-trend-engine/internal/usecase/session"
)

func main() {
	var (
		filePath  string
		ownerID   int64
		ownerTGID int64
		phone     string
	)
	flag.StringVar(&filePath, "file", "", "Path to MTProto session file (gotd JSON, Telethon string or account JSON)")
	flag.Int64Var(&ownerID, "owner", 0, "Owner ID of the imported account")
	flag.Int64Var(&ownerTGID, "owner-tg", 0, "Owner Telegram user ID for revocation notices")
	flag.StringVar(&phone, "phone", "", "Phone number of the account")
	flag.Parse()

	if filePath == "" {
		log.Fatal().Msg("mtproto-importer: path to session file is required (-file)")
	}
	if ownerID <= 0 {
		log.Fatal().Msg("mtproto-importer: owner id is required (-owner)")
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: failed to read session file")
	}
	sessionData, err := mtproto.NormalizeSession(raw)
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: unsupported MTProto session format")
	}

	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "mtproto-importer")
	if cfg.PGDSN == "" {
		logger.Fatal().Msg("mtproto-importer: PG_DSN environment variable is required")
	}
	keys, err := config.ParseSessionKeys(cfg.Sessions.Keys)
	if err != nil {
		logger.Fatal().Err(err).Msg("mtproto-importer: session keys")
	}
	keyring, err := crypto.NewKeyring(keys, cfg.Sessions.ActiveKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("mtproto-importer: failed to prepare session keys")
	}

	if err := db.Migrate(cfg.PGDSN); err != nil {
		logger.Fatal().Err(err).Msg("mtproto-importer: failed to apply migrations")
	}
	pool, err := db.Connect(cfg.PGDSN, 2)
	if err != nil {
		logger.Fatal().Err(err).Msg("mtproto-importer: failed to connect to database")
	}
	defer pool.Close()

	manager := session.NewManager(repo.NewPostgres(pool), nil, nil, keyring, nil, nil, session.Config{}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	account, err := manager.ImportSession(ctx, ownerID, ownerTGID, phone, sessionData)
	if err != nil {
		logger.Fatal().Err(err).Msg("mtproto-importer: failed to store session in database")
	}
	fmt.Printf("Stored MTProto session as account #%d (%d bytes, key v%d)\n", account.ID, len(sessionData), account.KeyVersion)
}
