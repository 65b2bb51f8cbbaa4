// Copyright 2018-2021 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

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

	"github.com/cs3org/digs/pkg/appctx"
	"github.com/cs3org/digs/pkg/config"
	"github.com/cs3org/digs/pkg/gridftp"
	"github.com/cs3org/digs/pkg/housekeeping"
	"github.com/cs3org/digs/pkg/logger"
	"github.com/cs3org/digs/pkg/node"
	"github.com/cs3org/digs/pkg/remotecmd"
	"github.com/cs3org/digs/pkg/storage"
	"github.com/cs3org/digs/pkg/storage/element"
	"github.com/cs3org/digs/pkg/transaction"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	versionFlag = flag.Bool("version", false, "show version and exit")
	testFlag    = flag.Bool("t", false, "test configuration and exit")
	configFlag  = flag.String("c", "/etc/digsd/digsd.toml", "set configuration file")

	// Compile time variables initialized with ldflags.
	gitCommit, buildDate, version string
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("digsd version=%s commit=%s build_date=%s\n", version, gitCommit, buildDate)
		os.Exit(0)
	}

	conf, err := loadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration file %s: %v\n", *configFlag, err)
		os.Exit(1)
	}
	if *testFlag {
		fmt.Printf("configuration file %s is ok\n", *configFlag)
		os.Exit(0)
	}

	log, err := newLogger(conf.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger, exiting ...")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = appctx.WithLogger(ctx, log)

	if err := run(ctx, conf); err != nil {
		log.Error().Err(err).Msg("digsd exited with error")
		os.Exit(1)
	}
	log.Info().Msg("digsd stopped")
}

func loadConfig(fn string) (*config.Config, error) {
	fd, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return config.Load(fd)
}

func newLogger(conf *config.Log) (*zerolog.Logger, error) {
	w, err := logger.Writer(conf.Output)
	if err != nil {
		return nil, err
	}
	l := logger.New(
		logger.WithWriter(w, logger.Mode(conf.Mode)),
		logger.WithLevel(conf.Level),
	).With().Int("pid", os.Getpid()).Logger()
	return &l, nil
}

func newServices(conf *config.Config) (*storage.Services, error) {
	f, ok := node.NewFuncs[conf.Nodes.Driver]
	if !ok {
		return nil, fmt.Errorf("node registry driver not found: %s", conf.Nodes.Driver)
	}
	nodes, err := f(conf.Nodes.Options)
	if err != nil {
		return nil, errors.Wrap(err, "error creating node registry")
	}

	reg := transaction.Default()
	engine, err := gridftp.New(reg, conf.Engine)
	if err != nil {
		return nil, errors.Wrap(err, "error creating transfer engine")
	}

	return &storage.Services{
		Registry: reg,
		Engine:   engine,
		Nodes:    nodes,
		Runner: &remotecmd.SSH{
			Binary:  conf.Remote.Binary,
			User:    conf.Remote.User,
			Options: conf.Remote.Options,
		},
	}, nil
}

func run(ctx context.Context, conf *config.Config) error {
	log := appctx.GetLogger(ctx)

	s, err := newServices(conf)
	if err != nil {
		return err
	}

	targets := make([]housekeeping.Target, 0, len(conf.Elements))
	for _, ec := range conf.Elements {
		e, err := element.New(ctx, ec.Name, ec.Type, ec.Options, s)
		if err != nil {
			return errors.Wrapf(err, "error creating element %s", ec.Name)
		}
		defer e.Close()
		targets = append(targets, housekeeping.Target{Sweeper: e, Hosts: ec.Hosts})
		log.Info().Str("element", ec.Name).Str("type", ec.Type).Strs("hosts", ec.Hosts).Msg("element ready")
	}

	if conf.Metrics.Address != "" {
		srv := newMetricsServer(conf.Metrics)
		go func() {
			log.Info().Str("address", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("error serving metrics")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	hk := conf.Housekeeping
	r := housekeeping.New(hk.Interval, hk.Concurrency, targets...)
	return r.Run(ctx, hk.RunOnStart)
}

func newMetricsServer(conf *config.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(conf.Path, promhttp.Handler())
	return &http.Server{
		Addr:              conf.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
