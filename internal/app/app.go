// Package app wires the agent's subsystems together from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quarrysearch/quarry-agent/internal/api"
	"github.com/quarrysearch/quarry-agent/internal/clock/system"
	"github.com/quarrysearch/quarry-agent/internal/crawl"
	"github.com/quarrysearch/quarry-agent/internal/crawler"
	"github.com/quarrysearch/quarry-agent/internal/hash/sha256"
	"github.com/quarrysearch/quarry-agent/internal/id/uuid"
	"github.com/quarrysearch/quarry-agent/internal/logging"
	"github.com/quarrysearch/quarry-agent/internal/metadata"
	"github.com/quarrysearch/quarry-agent/internal/metrics"
	"github.com/quarrysearch/quarry-agent/internal/processor"
	"github.com/quarrysearch/quarry-agent/internal/search/elastic"
	"github.com/quarrysearch/quarry-agent/internal/storage/s3"
	"github.com/quarrysearch/quarry-agent/internal/tenant"
)

// Mode selects which roles this process runs.
type Mode string

// Process roles.
const (
	ModeManager Mode = "manager"
	ModeWorker  Mode = "worker"
	ModeAll     Mode = "all"
)

// App holds the wired subsystems for one agent process.
type App struct {
	Logger    *zap.Logger
	Mode      Mode
	Pool      *pgxpool.Pool
	Meta      *metadata.Store
	Objects   *s3.Store
	Index     *elastic.Index
	Resolver  crawl.ScopeResolver
	Registry  *tenant.Registry
	Processor *processor.Processor
	Server    *api.Server
	Clock     crawl.Clock
	IDGen     crawl.IDGenerator

	serverAddr string
}

// New builds the application from the global viper configuration.
func New(ctx context.Context) (*App, error) {
	logger, err := logging.New(viper.GetBool("logging.development"))
	if err != nil {
		return nil, err
	}
	metrics.Init()

	mode := Mode(viper.GetString("agent.mode"))
	switch mode {
	case ModeManager, ModeWorker, ModeAll:
	default:
		return nil, fmt.Errorf("unknown agent.mode %q", mode)
	}

	clk := system.New()
	idGen := uuid.NewGenerator()
	hasher := sha256.New()

	metaCfg := metadata.Config{
		DSN:             viper.GetString("metadata.dsn"),
		MaxConns:        viper.GetInt32("metadata.max_conns"),
		MinConns:        viper.GetInt32("metadata.min_conns"),
		MaxConnLifetime: viper.GetDuration("metadata.max_conn_lifetime"),
		MaxAttempts:     viper.GetInt("metadata.max_attempts"),
		ClaimBatch:      viper.GetInt("metadata.claim_batch"),
	}
	pool, err := metadata.NewPool(ctx, metaCfg)
	if err != nil {
		return nil, err
	}
	meta, err := metadata.NewStoreWithPool(pool, metaCfg, clk)
	if err != nil {
		pool.Close()
		return nil, err
	}

	objects, err := s3.New(ctx, s3.Config{
		Endpoint:        viper.GetString("storage.endpoint"),
		Region:          viper.GetString("storage.region"),
		Bucket:          viper.GetString("storage.bucket"),
		AccessKey:       viper.GetString("storage.access_key"),
		SecretKey:       viper.GetString("storage.secret_key"),
		UseSSL:          viper.GetBool("storage.use_ssl"),
		Compress:        viper.GetBool("storage.compress"),
		CompressMinSize: viper.GetInt("storage.compress_min_size"),
	}, idGen)
	if err != nil {
		pool.Close()
		return nil, err
	}

	index, err := elastic.New(elastic.Config{
		Addresses: viper.GetStringSlice("search.addresses"),
		Username:  viper.GetString("search.username"),
		Password:  viper.GetString("search.password"),
	}, hasher)
	if err != nil {
		pool.Close()
		return nil, err
	}

	a := &App{
		Logger:     logger,
		Mode:       mode,
		Pool:       pool,
		Meta:       meta,
		Objects:    objects,
		Index:      index,
		Clock:      clk,
		IDGen:      idGen,
		serverAddr: viper.GetString("server.addr"),
	}

	switch viper.GetString("tenancy.mode") {
	case "multi":
		registry, err := tenant.NewRegistry(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := registry.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		a.Registry = registry
		a.Resolver = registry
	case "single":
		resolver := tenant.NewSingle(
			viper.GetString("tenancy.keyspace"),
			viper.GetString("tenancy.index"),
		)
		a.Resolver = resolver
		scope, _ := resolver.Scope("")
		if err := meta.EnsureKeyspace(ctx, scope); err != nil {
			pool.Close()
			return nil, err
		}
		if err := index.EnsureIndex(ctx, scope); err != nil {
			pool.Close()
			return nil, err
		}
	default:
		pool.Close()
		return nil, fmt.Errorf("unknown tenancy.mode %q", viper.GetString("tenancy.mode"))
	}

	fetcher, err := crawler.New(crawler.Config{
		UserAgent:   viper.GetString("crawler.user_agent"),
		Timeout:     viper.GetDuration("crawler.timeout"),
		MaxBodySize: viper.GetInt64("crawler.max_body_bytes"),
		RobotsTTL:   viper.GetDuration("crawler.robots_ttl"),
	}, meta, hasher, logger.Named("crawler"))
	if err != nil {
		pool.Close()
		return nil, err
	}

	proc, err := processor.New(processor.Config{
		PollInterval:       viper.GetDuration("processor.poll_interval"),
		LeaseTTL:           viper.GetDuration("processor.lease_ttl"),
		ReaperInterval:     viper.GetDuration("processor.reaper_interval"),
		TenantConcurrency:  viper.GetInt("processor.tenant_concurrency"),
		DiscoveredPriority: viper.GetInt("processor.discovered_priority"),
	}, a.Resolver, meta, objects, index, fetcher, clk, idGen, logger.Named("processor"))
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.Processor = proc

	var provisioner api.TenantProvisioner
	if a.Registry != nil {
		provisioner = a
	}
	a.Server = api.NewServer(api.Config{
		Addr:           a.serverAddr,
		RequestTimeout: time.Duration(viper.GetInt("server.timeout_seconds")) * time.Second,
	}, a.Resolver, meta, objects, index, provisioner, clk, logger.Named("api"))

	return a, nil
}

// ServerAddr returns the configured HTTP listen address.
func (a *App) ServerAddr() string {
	return a.serverAddr
}

// CreateTenant registers a tenant and provisions its keyspace and search
// index. Only available in multi-tenant mode.
func (a *App) CreateTenant(ctx context.Context, id, displayName string) error {
	if a.Registry == nil {
		return fmt.Errorf("tenant registration requires multi-tenant mode")
	}
	if err := a.Registry.Register(ctx, id, displayName, a.Clock.Now()); err != nil {
		return err
	}
	scope, err := a.Registry.Scope(id)
	if err != nil {
		return err
	}
	if err := a.Meta.EnsureKeyspace(ctx, scope); err != nil {
		return fmt.Errorf("provision tenant keyspace: %w", err)
	}
	if err := a.Index.EnsureIndex(ctx, scope); err != nil {
		return fmt.Errorf("provision tenant index: %w", err)
	}
	return nil
}

// Close releases the application's resources.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}
