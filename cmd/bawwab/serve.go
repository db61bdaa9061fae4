package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/leibniz-psychology/bawwab/internal/broker"
	"github.com/leibniz-psychology/bawwab/internal/config"
	"github.com/leibniz-psychology/bawwab/internal/gateway"
	"github.com/leibniz-psychology/bawwab/internal/logstore"
	"github.com/leibniz-psychology/bawwab/internal/remote"
	"github.com/leibniz-psychology/bawwab/internal/store"
)

// purgeInterval is how often expired sessions and actions are deleted.
const purgeInterval = 10 * time.Minute

func openStore(cfg *config.Config, log zerolog.Logger) (*store.Store, func(), error) {
	key, err := store.ParseKey(cfg.SealingKey)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	return store.New(log, db, key), func() { _ = db.Close() }, nil
}

func managerOptions(cfg *config.Config) remote.Options {
	return remote.Options{
		IdleTimeout:           cfg.IdleTimeout,
		ReapInterval:          cfg.ConnReapInterval,
		BannerTimeout:         cfg.BannerTimeout,
		FileAttempts:          cfg.FileAttempts,
		FileBackoff:           cfg.FileBackoff,
		FileBackoffMultiplier: cfg.FileBackoffMultiplier,
		Agreement: remote.AgreementPolicy{
			Prompt:   cfg.AgreementPattern(),
			Response: cfg.AgreementResponse,
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	st, closeDB, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	dialer, err := remote.NewSSHDialer(cfg.SSHHost, cfg.SSHPort, cfg.KnownHosts, cfg.DialTimeout)
	if err != nil {
		return err
	}
	conns := remote.NewManager(log, dialer, st, managerOptions(cfg))
	defer conns.Close()

	var transcript broker.Transcript
	logs, err := logstore.New(cfg.LogDir())
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize log store, transcripts will not be persisted")
	} else {
		transcript = logs
		defer func() { _ = logs.Close() }()
	}

	b := broker.New(log, conns, transcript, broker.Options{ReapInterval: cfg.JobReapInterval})

	go conns.Run(ctx)
	go b.Run(ctx)
	go purge(ctx, st, log)

	srv := gateway.New(cfg, log, gateway.Deps{Store: st, Conns: conns, Broker: b, Logs: logs})
	err = srv.Run(ctx)
	log.Info().Msg("shutting down")
	return err
}

func purge(ctx context.Context, st *store.Store, log zerolog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sessions, err := st.PurgeSessions(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to purge sessions")
		}
		actions, err := st.PurgeActions(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to purge actions")
		}
		if sessions > 0 || actions > 0 {
			log.Debug().Int64("sessions", sessions).Int64("actions", actions).Msg("purged expired records")
		}
	}
}

// checkSetup verifies everything serve needs short of logging in.
func checkSetup(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	_, closeDB, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	closeDB()

	dialer, err := remote.NewSSHDialer(cfg.SSHHost, cfg.SSHPort, cfg.KnownHosts, cfg.DialTimeout)
	if err != nil {
		return err
	}
	nd := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := nd.DialContext(ctx, "tcp", dialer.Addr())
	if err != nil {
		return fmt.Errorf("backend %s unreachable: %w", dialer.Addr(), err)
	}
	_ = conn.Close()

	log.Info().Str("backend", dialer.Addr()).Str("database", cfg.DatabasePath).Msg("configuration ok")
	return nil
}
