package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atriumworld/atrium/pkg/config"
	"github.com/atriumworld/atrium/pkg/version"
	"github.com/atriumworld/atrium/svc/server/ingress"
	"github.com/atriumworld/atrium/svc/server/journal"
	"github.com/atriumworld/atrium/svc/server/service"
	"github.com/atriumworld/atrium/svc/server/state"
)

func serveCommand(configs []string) error {
	conf, err := config.Process(configs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load atrium configuration")
	}

	if conf.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version.Version).Msg("atrium starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *state.Store
	if conf.DatabasePath != "" {
		store, err = state.InitStore(conf.DatabasePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open visit database")
		}
	}

	var presence *state.Presence
	if conf.RedisAddress != "" {
		presence, err = state.NewPresence(ctx, conf.RedisAddress)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to reach redis")
		}
		defer presence.Close()
	}

	server := service.New(ctx, conf, store, presence)
	go server.Poll(ctx)

	var journalDone chan error
	if conf.JournalDirectory != "" {
		err = os.MkdirAll(conf.JournalDirectory, 0755)
		if err != nil {
			log.Fatal().Err(err).Msgf("failed to make journal dir: %s", conf.JournalDirectory)
		}

		journalDone = make(chan error, 1)
		go func() {
			journalDone <- journal.Record(ctx, conf.JournalDirectory, server.Events().Subscribe())
		}()
	}

	wsIngress := ingress.NewWSIngress(server, conf)

	errc := make(chan error, 1)
	go func() {
		errc <- wsIngress.Serve(ctx)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	signal.Notify(sigs, os.Kill)

	select {
	case err := <-errc:
		log.Printf("failed to serve: %v", err)
	case sig := <-sigs:
		log.Printf("terminating: %v", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	wsIngress.Shutdown(shutdownCtx)

	cancel()
	if journalDone != nil {
		err = <-journalDone
		if err != nil {
			log.Error().Err(err).Msg("failed to save room journal")
		}
	}
	server.Cancel()

	return nil
}
