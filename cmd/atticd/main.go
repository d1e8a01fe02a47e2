// Copyright 2024 The atticd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command atticd is the process entry point: it reads a TOML
// configuration file, mounts the configured HTTP services, starts the
// garbage collector against the atticapi service's store and backend,
// and serves until a termination signal arrives. Grounded on the
// donor's cmd/revad/main.go: flag-based CLI, section-map config handed
// to each subsystem for its own mapstructure decode, and signal-driven
// graceful shutdown in place of revad's grace.Watcher/PID-file machinery
// (a single always-foreground process has no supervisor handoff to
// perform).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cs3org/atticd/internal/config"
	"github.com/cs3org/atticd/internal/http/global"
	_ "github.com/cs3org/atticd/internal/http/services/atticapi"
	"github.com/cs3org/atticd/pkg/atticgc"
	"github.com/cs3org/atticd/pkg/atticlog"
	"github.com/cs3org/atticd/pkg/atticmetrics"
	"github.com/cs3org/atticd/pkg/atticstorage"
	"github.com/cs3org/atticd/pkg/atticstore"
)

var (
	versionFlag = flag.Bool("version", false, "show version and exit")
	testFlag    = flag.Bool("t", false, "test configuration and exit")
	configFlag  = flag.String("c", "/etc/atticd/atticd.toml", "set configuration file")

	gitCommit, buildDate, version string
)

// storeBackendProvider is implemented by global.Service values that want
// the garbage collector to reuse their already-open store and backend
// instead of a second database connection. atticapi.svc satisfies it.
type storeBackendProvider interface {
	StoreAndBackend() (*atticstore.Store, atticstorage.Backend)
}

type coreConf struct {
	LogLevel string `mapstructure:"log_level"`
	LogMode  string `mapstructure:"log_mode"`
}

func (c *coreConf) init() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMode == "" {
		c.LogMode = "dev"
	}
}

type httpConf struct {
	Address  string                            `mapstructure:"address"`
	Services map[string]map[string]interface{} `mapstructure:"services"`
}

func (c *httpConf) init() {
	if c.Address == "" {
		c.Address = ":8080"
	}
}

type gcConf struct {
	IntervalSeconds         int64 `mapstructure:"interval_seconds"`
	DefaultRetentionSeconds int64 `mapstructure:"default_retention_seconds"`
}

type metricsConf struct {
	Address string `mapstructure:"address"`
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Fprintf(os.Stderr, "version=%s commit=%s build_date=%s\n", version, gitCommit, buildDate)
		os.Exit(0)
	}

	mainConf := readConfigOrDie(*configFlag)

	cc := &coreConf{}
	if err := mapstructure.Decode(mainConf["core"], cc); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding core config: %s\n", err)
		os.Exit(1)
	}
	cc.init()

	atticlog.Mode = cc.LogMode
	log := atticlog.New("main")
	if lvl, err := zerolog.ParseLevel(cc.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if *testFlag {
		os.Exit(0)
	}

	hc := &httpConf{}
	if err := mapstructure.Decode(mainConf["http"], hc); err != nil {
		log.Error().Err(err).Msg("error decoding http config")
		os.Exit(1)
	}
	hc.init()

	mux := http.NewServeMux()
	services := map[string]global.Service{}
	for name, section := range hc.Services {
		svc, err := global.New(name, section)
		if err != nil {
			log.Error().Err(err).Str("service", name).Msg("error constructing http service")
			os.Exit(1)
		}
		services[name] = svc
		mux.Handle(svc.Prefix(), svc.Handler())
		log.Info().Str("service", name).Str("prefix", svc.Prefix()).Msg("mounted http service")
	}

	mc := &metricsConf{}
	_ = mapstructure.Decode(mainConf["metrics"], mc)
	if mc.Address != "" {
		reg := prometheus.NewRegistry()
		atticmetrics.MustRegister(reg)
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(mc.Address, metricsMux); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		log.Info().Str("address", mc.Address).Msg("serving metrics")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if atticapi, ok := services["atticapi"]; ok {
		if provider, ok := atticapi.(storeBackendProvider); ok {
			gc := &gcConf{}
			_ = mapstructure.Decode(mainConf["gc"], gc)
			store, backend := provider.StoreAndBackend()
			collector := &atticgc.Collector{
				Store:                   store,
				Backend:                 backend,
				DefaultRetentionSeconds: gc.DefaultRetentionSeconds,
			}
			go collector.Run(ctx, time.Duration(gc.IntervalSeconds)*time.Second)
		}
	}

	server := &http.Server{Addr: hc.Address, Handler: mux}
	go func() {
		log.Info().Str("address", hc.Address).Msg("serving http")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	waitForSignal(log)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("error during http server shutdown")
	}
	for name, svc := range services {
		if err := svc.Close(); err != nil {
			log.Warn().Err(err).Str("service", name).Msg("error closing service")
		}
	}
}

func waitForSignal(log *zerolog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
}

func readConfigOrDie(path string) map[string]interface{} {
	fd, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening file: %s\n", err)
		os.Exit(1)
	}
	defer fd.Close()

	v, err := config.Read(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %s\n", err)
		os.Exit(1)
	}
	return v
}
