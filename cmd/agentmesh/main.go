// Copyright 2025 The agentmesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// agentmesh is the control plane for an emergent agent runtime: operator
// registry, discovery engine, reactive slot network, policy kernel and the
// HTTP API in front of them.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh/pkg/auth"
	"github.com/agentmesh/agentmesh/pkg/brain"
	"github.com/agentmesh/agentmesh/pkg/discovery"
	"github.com/agentmesh/agentmesh/pkg/kernel"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/operator"
	"github.com/agentmesh/agentmesh/pkg/policy"
	"github.com/agentmesh/agentmesh/pkg/reactive"
	"github.com/agentmesh/agentmesh/pkg/server"
	"github.com/agentmesh/agentmesh/pkg/storage"
)

const version = "0.1.0"

// sourcesFile is the on-disk inventory of discovery sources.
type sourcesFile struct {
	Sources []discovery.Source `yaml:"sources"`
}

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("agentmesh", "Control plane for an emergent agent runtime")
	a.HelpFlag.Short('h')

	listenAddress := a.Flag("listen-address", "Address to serve the HTTP API on.").
		Default(":8080").String()
	catalogPath := a.Flag("catalog.path", "Path of the operator catalog snapshot.").
		Default("data/operators.json").String()
	dataDir := a.Flag("data.dir", "Directory backing the object store.").
		Default("data/objects").String()
	redisAddress := a.Flag("redis.address", "Redis address for the KV store. Empty uses the in-process store.").
		Default("").String()
	redisNamespace := a.Flag("redis.namespace", "Key namespace in Redis.").
		Default("agentmesh").String()
	dbDSN := a.Flag("db.dsn", "PostgreSQL DSN for tabular indices. Empty disables them.").
		Default("").String()
	sourcesPath := a.Flag("sources.file", "YAML inventory of discovery sources to register at startup.").
		Default("").String()
	corsOrigins := a.Flag("cors.origin", "Allowed CORS origin. Repeatable; empty allows any.").
		Strings()
	discoverySchedule := a.Flag("discovery.schedule", "Cron schedule for the periodic discovery sweep.").
		Default("@every 5m").String()
	logLevel := a.Flag("log.level", "One of debug, info, warn, error.").
		Default("info").Enum("debug", "info", "warn", "error")

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "parsing flags: %s\n", err)
		os.Exit(2)
	}
	switch *logLevel {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	if err := runMain(logger, mainConfig{
		listenAddress:     *listenAddress,
		catalogPath:       *catalogPath,
		dataDir:           *dataDir,
		redisAddress:      *redisAddress,
		redisNamespace:    *redisNamespace,
		dbDSN:             *dbDSN,
		sourcesPath:       *sourcesPath,
		corsOrigins:       *corsOrigins,
		discoverySchedule: *discoverySchedule,
	}); err != nil {
		level.Error(logger).Log("msg", "exiting with error", "err", err)
		os.Exit(1)
	}
}

type mainConfig struct {
	listenAddress     string
	catalogPath       string
	dataDir           string
	redisAddress      string
	redisNamespace    string
	dbDSN             string
	sourcesPath       string
	corsOrigins       []string
	discoverySchedule string
}

// jwtSecret applies the environment contract: production requires an explicit
// secret of at least 32 bytes; development generates an ephemeral one.
func jwtSecret(logger log.Logger) ([]byte, error) {
	secret := os.Getenv("JWT_SECRET")
	production := os.Getenv("ENVIRONMENT") == "production"
	if production {
		if len(secret) < 32 {
			return nil, fmt.Errorf("JWT_SECRET must be set to at least 32 bytes when ENVIRONMENT=production")
		}
		return []byte(secret), nil
	}
	if secret != "" {
		return []byte(secret), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating development token secret: %w", err)
	}
	level.Warn(logger).Log("msg", "JWT_SECRET not set, using an ephemeral secret; tokens will not survive restarts")
	return []byte(hex.EncodeToString(buf)), nil
}

func runMain(logger log.Logger, cfg mainConfig) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	secret, err := jwtSecret(logger)
	if err != nil {
		return err
	}

	// Storage adapters.
	var kv storage.KV = storage.NewMemKV()
	if cfg.redisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.redisAddress})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", cfg.redisAddress, err)
		}
		kv = storage.NewRedisKV(client, cfg.redisNamespace)
		level.Info(logger).Log("msg", "using redis KV store", "address", cfg.redisAddress)
	}
	var table storage.Table
	if cfg.dbDSN != "" {
		db, err := sqlx.Connect("postgres", cfg.dbDSN)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()
		table = storage.NewSQLTable(db)
		level.Info(logger).Log("msg", "using sql table store")
	}
	objects, err := storage.NewFSObject(afero.NewOsFs(), cfg.dataDir)
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}

	// Policy tier and auth.
	policies := policy.NewEngine(log.With(logger, "component", "policy"))
	enforcer := kernel.NewEnforcer(log.With(logger, "component", "kernel"), policies, reg)
	keys := auth.NewKeys(log.With(logger, "component", "keys"), kv, table)
	if hash := os.Getenv("MASTER_KEY_HASH"); hash != "" {
		keys.SeedMaster(hash, policy.DefaultMaster)
	}
	tokens, err := auth.NewTokens(secret)
	if err != nil {
		return err
	}
	gateway := auth.NewGateway(log.With(logger, "component", "gateway"), keys, tokens, policies)
	sessions := auth.NewSessions(log.With(logger, "component", "sessions"), kv)

	// Domain subsystems.
	engine := discovery.NewEngine(log.With(logger, "component", "discovery"), enforcer, reg, discovery.Options{})
	operators := operator.NewRegistry(log.With(logger, "component", "operators"), afero.NewOsFs(), enforcer, engine, reg, operator.Options{
		CatalogPath: cfg.catalogPath,
	})
	engine.AddHook(brain.PromotionHook(log.With(logger, "component", "brain"), operators))
	memories := memory.NewStore(log.With(logger, "component", "memory"), nil, objects)
	network := reactive.NewNetwork(log.With(logger, "component", "network"), operators,
		kernel.Actor{OwnerID: "network", PolicyID: policy.DefaultMaster}, reg)
	br := brain.New(log.With(logger, "component", "brain"), memories, operators, engine,
		kernel.Actor{OwnerID: "brain", PolicyID: policy.DefaultMaster}, reg)

	if cfg.sourcesPath != "" {
		if err := loadSources(logger, engine, cfg.sourcesPath); err != nil {
			return err
		}
	}

	srv := server.New(log.With(logger, "component", "http"), reg, server.Deps{
		Gateway:   gateway,
		Keys:      keys,
		Sessions:  sessions,
		Policies:  policies,
		Kernel:    enforcer,
		Operators: operators,
		Network:   network,
		Discovery: engine,
		Memories:  memories,
		Brain:     br,
	}, server.Options{
		Version:        version,
		AllowedOrigins: cfg.corsOrigins,
	})

	httpServer := &http.Server{
		Addr:    cfg.listenAddress,
		Handler: srv.Router(),
	}

	var g run.Group
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	{
		g.Add(func() error {
			level.Info(logger).Log("msg", "HTTP server starting", "address", cfg.listenAddress, "version", version)
			return httpServer.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return network.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return network.RunHealthLoop(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		c := cron.New()
		if _, err := c.AddFunc(cfg.discoverySchedule, func() {
			out := engine.DiscoverAll(ctx)
			level.Debug(logger).Log("msg", "discovery sweep", "capabilities", out["total_capabilities"])
		}); err != nil {
			cancel()
			return fmt.Errorf("invalid discovery schedule %q: %w", cfg.discoverySchedule, err)
		}
		mustAdd := func(spec string, f func()) {
			if _, err := c.AddFunc(spec, f); err != nil {
				panic(err) // static schedules below
			}
		}
		mustAdd("@hourly", func() {
			memories.ApplyDecay(time.Hour)
			if removed := memories.Forget(0.01); removed > 0 {
				level.Info(logger).Log("msg", "memory sweep", "forgotten", removed)
			}
		})
		mustAdd("@hourly", func() {
			healthy, total := engine.HealthCheckAll(ctx)
			level.Debug(logger).Log("msg", "capability health sweep", "healthy", healthy, "total", total)
		})
		mustAdd("@every 10m", func() {
			if removed := sessions.CleanupExpired(ctx); removed > 0 {
				level.Debug(logger).Log("msg", "session sweep", "removed", removed)
			}
		})
		g.Add(func() error {
			c.Start()
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
			<-c.Stop().Done()
		})
	}

	err = g.Run()
	var sigErr run.SignalError
	if err != nil && !errors.As(err, &sigErr) {
		return err
	}
	level.Info(logger).Log("msg", "shutting down")
	return nil
}

func loadSources(logger log.Logger, engine *discovery.Engine, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading sources file: %w", err)
	}
	var inventory sourcesFile
	if err := yaml.Unmarshal(raw, &inventory); err != nil {
		return fmt.Errorf("parsing sources file: %w", err)
	}
	for i := range inventory.Sources {
		src := inventory.Sources[i]
		src.Active = true
		registered := engine.RegisterSource(&src)
		level.Info(logger).Log("msg", "source registered", "source", registered.ID, "method", registered.Method)
	}
	return nil
}
