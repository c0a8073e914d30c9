package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/checks"
	"github.com/HerbHall/vigil/internal/config"
	"github.com/HerbHall/vigil/internal/discovery"
	"github.com/HerbHall/vigil/internal/event"
	"github.com/HerbHall/vigil/internal/execution"
	"github.com/HerbHall/vigil/internal/fetch"
	"github.com/HerbHall/vigil/internal/pipeline"
	"github.com/HerbHall/vigil/internal/registry"
	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/internal/rules"
	"github.com/HerbHall/vigil/internal/store"
	"github.com/HerbHall/vigil/internal/version"
	"github.com/HerbHall/vigil/pkg/check"
)

// app is the composition root shared by the daemon and the one-shot
// subcommands.
type app struct {
	cfg    *config.ViperConfig
	logger *zap.Logger

	db        *store.SQLiteStore
	hosts     pipeline.StaticHosts
	registry  *registry.Registry
	rules     *rules.FileStore
	inventory *discovery.SQLStore
	cache     *discovery.Cache
	bus       *event.Bus
	runner    *pipeline.Runner
	pipeline  pipeline.Config
}

// newApp loads configuration and wires every component. The caller must
// Close the app.
func newApp(ctx context.Context, configPath string) (*app, error) {
	// Load configuration (before logger, so log level/format can be configured).
	v, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	cfg := config.New(v)

	logger, err := config.NewLogger(v)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	hosts, err := config.Hosts(cfg)
	if err != nil {
		return err
	}
	a.hosts = hosts

	// Open database
	dbPath := cfg.GetString("database.path")
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.db = db
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		return err
	}
	a.inventory, err = discovery.NewSQLStore(ctx, db)
	if err != nil {
		return fmt.Errorf("initialize inventory store: %w", err)
	}
	logger.Info("database initialized",
		zap.String("component", "database"),
		zap.String("path", dbPath),
	)

	a.registry, err = newRegistry(logger.Named("registry"))
	if err != nil {
		return err
	}

	policyName := cfg.GetString("router.policy")
	policy := router.PolicyByName(policyName)
	if policy == nil {
		return fmt.Errorf("unknown router policy %q", policyName)
	}
	rt := router.New(policy)

	a.rules, err = rules.NewFileStore(cfg.GetString("rules.path"), logger.Named("rules"))
	if err != nil {
		return err
	}

	discoveryCfg := discovery.DefaultConfig()
	if err := cfg.Sub("discovery").Unmarshal(&discoveryCfg); err != nil {
		return fmt.Errorf("decode discovery config: %w", err)
	}
	executionCfg := execution.DefaultConfig()
	if err := cfg.Sub("execution").Unmarshal(&executionCfg); err != nil {
		return fmt.Errorf("decode execution config: %w", err)
	}
	a.pipeline = pipeline.DefaultConfig()
	if err := cfg.Sub("pipeline").Unmarshal(&a.pipeline); err != nil {
		return fmt.Errorf("decode pipeline config: %w", err)
	}

	fetchers, err := buildFetchers(cfg, logger.Named("fetch"))
	if err != nil {
		return err
	}

	a.bus = event.NewBus(logger.Named("event"))
	engine := discovery.NewEngine(a.registry, rt, discoveryCfg, logger.Named("discovery"))
	a.cache = discovery.NewCache(engine, a.inventory, discoveryCfg.CacheTTL, logger.Named("discovery"))
	resolver := rules.NewResolver(a.rules, a.registry.Defaults(), logger.Named("rules"))
	executor := execution.NewEngine(a.registry, rt, resolver, executionCfg, logger.Named("execution"))
	a.runner = pipeline.NewRunner(fetchers, a.cache, executor, a.bus, a.pipeline, logger.Named("pipeline"))

	logger.Info("monitoring core wired",
		zap.Int("hosts", len(a.hosts)),
		zap.Int("plugins", a.registry.Len()),
		zap.String("router_policy", policyName),
		zap.Int("origins", len(fetchers)),
	)
	return nil
}

// newRegistry registers every built-in plugin (compile-time composition)
// and freezes the registry.
func newRegistry(logger *zap.Logger) (*registry.Registry, error) {
	reg := registry.New(registry.NewDefaults(), logger)
	if err := checks.Register(reg); err != nil {
		return nil, fmt.Errorf("register check plugins: %w", err)
	}
	reg.Freeze()
	return reg, nil
}

// buildFetchers assembles one fetcher per origin. A static section
// directory, when configured, is merged into every origin and is the only
// source of IPMI data.
func buildFetchers(cfg *config.ViperConfig, logger *zap.Logger) (map[check.Origin]pipeline.Fetcher, error) {
	agentCfg := fetch.DefaultAgentConfig()
	if err := cfg.Sub("agent").Unmarshal(&agentCfg); err != nil {
		return nil, fmt.Errorf("decode agent config: %w", err)
	}
	snmpCfg := fetch.DefaultSNMPConfig()
	if err := cfg.Sub("snmp").Unmarshal(&snmpCfg); err != nil {
		return nil, fmt.Errorf("decode snmp config: %w", err)
	}
	pingCfg := fetch.DefaultPingConfig()
	if err := cfg.Sub("ping").Unmarshal(&pingCfg); err != nil {
		return nil, fmt.Errorf("decode ping config: %w", err)
	}
	var limitCfg fetch.LimitConfig
	if err := cfg.Sub("limits").Unmarshal(&limitCfg); err != nil {
		return nil, fmt.Errorf("decode limits config: %w", err)
	}

	agent := fetch.NewAgent(agentCfg, logger.Named("agent"))
	snmp := fetch.NewSNMP(snmpCfg, logger.Named("snmp"))

	agentParts := []pipeline.Fetcher{agent}
	snmpParts := []pipeline.Fetcher{snmp}
	mgmtParts := []pipeline.Fetcher{snmp}
	var ipmiParts []pipeline.Fetcher

	if cfg.GetBool("ping.enabled") {
		ping := fetch.NewPing(pingCfg, logger.Named("ping"))
		agentParts = append(agentParts, ping)
		// Hosts with an agent are pinged through the agent origin only.
		snmpParts = append(snmpParts, pipeline.FetcherFunc(
			func(ctx context.Context, host router.Host, origin check.Origin) ([]check.RawSection, error) {
				if host.Agent {
					return nil, nil
				}
				return ping.Fetch(ctx, host, origin)
			}))
	}

	if dir := cfg.GetString("sections.dir"); dir != "" {
		static := fetch.NewDir(dir)
		agentParts = append(agentParts, static)
		snmpParts = append(snmpParts, static)
		mgmtParts = append(mgmtParts, static)
		ipmiParts = append(ipmiParts, static)
		logger.Info("static sections enabled", zap.String("dir", dir))
	}

	fetchers := map[check.Origin]pipeline.Fetcher{
		check.OriginAgent: fetch.NewLimited(fetch.Merge(agentParts...), limitCfg),
		check.OriginSNMP:  fetch.NewLimited(fetch.Merge(snmpParts...), limitCfg),
		check.OriginMgmt:  fetch.NewLimited(fetch.Merge(mgmtParts...), limitCfg),
	}
	if len(ipmiParts) > 0 {
		fetchers[check.OriginIPMI] = fetch.Merge(ipmiParts...)
	}
	return fetchers, nil
}

// Close releases the database and flushes the logger.
func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
