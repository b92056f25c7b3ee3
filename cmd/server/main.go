package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatcluster/internal/chatserver"
	"chatcluster/internal/config"
	"chatcluster/internal/logging"
	"chatcluster/internal/protocol"
	"chatcluster/internal/replication"
	"chatcluster/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to chatcluster.yaml")
	dataDir := flag.String("data", "", "override data_dir")
	logLevel := flag.String("log-level", "info", "debug, info, warn, error")
	pretty := flag.Bool("log-pretty", true, "human-readable console logging")
	snapshotTo := flag.String("snapshot-to", "", "copy this replica's data files into DIR and exit, without starting the server")
	restoreFrom := flag.String("restore-from", "", "overwrite this replica's data files from DIR and exit, without starting the server")
	flag.Parse()

	log := logging.New(*logLevel, *pretty)

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	wasFreshRole := !store.RoleFileExists(cfg.DataDir)
	st, err := store.New(cfg.DataDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}

	if *snapshotTo != "" {
		if err := st.Snapshot(*snapshotTo); err != nil {
			log.Fatal().Err(err).Msg("snapshot")
		}
		log.Info().Str("dir", *snapshotTo).Msg("snapshot complete")
		return
	}
	if *restoreFrom != "" {
		if err := st.Restore(*restoreFrom); err != nil {
			log.Fatal().Err(err).Msg("restore")
		}
		log.Info().Str("dir", *restoreFrom).Msg("restore complete")
		return
	}

	if wasFreshRole && cfg.Primary {
		if err := st.SetRole(store.RolePrimary); err != nil {
			log.Fatal().Err(err).Msg("seed initial role")
		}
	}

	codec := protocol.CodecFor(cfg.CustomMode)

	chatAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := chatserver.New(chatserver.Config{
		Store:      st,
		Codec:      codec,
		Log:        log,
		ListenAddr: chatAddr,
		AckTimeout: cfg.AckTimeout,
	})

	peerConfigs := make([]replication.PeerConfig, len(cfg.Peers))
	for i, p := range cfg.Peers {
		peerConfigs[i] = replication.PeerConfig{ID: p.ID, Addr: fmt.Sprintf("%s:%d", p.Host, p.ReplicationPort)}
	}
	replicationAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.ReplicationPort)
	peerID := fmt.Sprintf("%s:%d", cfg.Host, cfg.ReplicationPort)
	peer := replication.New(replication.Config{
		ID:                  peerID,
		ListenAddr:          replicationAddr,
		Peers:               peerConfigs,
		Store:               st,
		Observer:            srv,
		Applier:             srv,
		Log:                 log,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		ElectionTimeout:     cfg.ElectionTimeout,
		ElectionWait:        cfg.ElectionWait,
		SyncInterval:        cfg.SyncInterval,
	})
	srv.BindPeer(peer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := peer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start replication peer")
	}
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start chat server")
	}

	log.Info().Str("client_addr", chatAddr).Str("replication_addr", replicationAddr).Msg("chatcluster server running")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	srv.Stop()
	peer.Stop()
	os.Exit(0)
}
