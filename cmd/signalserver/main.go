// signalserver - A Signal-compatible secure messaging server.
// Copyright (C) 2024 Tulir Asokan
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	_ "github.com/lib/pq"

	"go.mau.fi/signalserver/config"
	"go.mau.fi/signalserver/keyserver"
	"go.mau.fi/signalserver/keyserver/store"
	"go.mau.fi/signalserver/masker"
	"go.mau.fi/signalserver/web"
)

var configPath = flag.MakeFull("c", "config", "The path to the config file.", "config.yaml").String()
var wantHelp, _ = flag.MakeHelpFlag()

const version = "0.1.0"

func main() {
	flag.SetHelpTitles(
		fmt.Sprintf("signalserver %s - A Signal-compatible secure messaging server.", version),
		"signalserver [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(2)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logger:", err)
		os.Exit(2)
	}
	exzerolog.SetupDefaults(log)

	secret := exerrors.Must(cfg.MaskerSecretBytes())
	mask, err := masker.New(secret)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid masker secret")
	}

	db, err := dbutil.NewFromConfig("signalserver", cfg.Database, dbutil.ZeroLogger(log.With().Str("component", "database").Logger()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	container := store.NewContainer(db, dbutil.ZeroLogger(log.With().Str("component", "database").Logger()))
	ctx := log.WithContext(context.Background())
	if err = container.Upgrade(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to upgrade database schema")
	}

	dynamic := keyserver.NewDynamicConfig()
	if cfg.DynamicConfigPath != "" {
		if err = dynamic.LoadFile(cfg.DynamicConfigPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to load dynamic config")
		}
	}

	spool := container.Spool()
	resolver := keyserver.NewResolver(container, mask)
	keys := keyserver.NewKeyDistribution(container, container)
	accounts := keyserver.NewAccountManager(container, container)
	sender := keyserver.NewSender(
		resolver,
		spool,
		keyserver.NewLeakyBucketLimiter(cfg.RateLimits.MessageBucketSize, cfg.RateLimits.MessageLeakRatePerMinute),
		keyserver.NewCountryLimiter(dynamic),
		cfg.MaxMessageSize,
	)

	server := web.NewServer(log.With().Str("component", "web").Logger(), cfg.Listen, container, accounts, resolver, keys, sender, spool)
	if err = server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP server")
	}
	var metrics *web.MetricsServer
	if cfg.MetricsListen != "" {
		metrics = web.NewMetricsServer(log.With().Str("component", "metrics").Logger(), cfg.MetricsListen)
		metrics.Start()
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if cfg.DynamicConfigPath == "" {
				continue
			}
			if err := dynamic.LoadFile(cfg.DynamicConfigPath); err != nil {
				log.Err(err).Msg("Failed to reload dynamic config")
			} else {
				log.Info().Msg("Reloaded dynamic config")
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = server.Stop(shutdownCtx); err != nil {
		log.Err(err).Msg("Failed to stop HTTP server cleanly")
	}
	if metrics != nil {
		_ = metrics.Stop(shutdownCtx)
	}
	if err = db.Close(); err != nil {
		log.Err(err).Msg("Failed to close database")
	}
}
