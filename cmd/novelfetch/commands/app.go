package commands

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"

	"novelfetch/internal/components/chrono"
	"novelfetch/lib/bookstore"
	"novelfetch/lib/configutil"
	"novelfetch/lib/gateway"
	"novelfetch/lib/restyutil"
	"novelfetch/lib/rules"
	"novelfetch/lib/scraper"
	"novelfetch/lib/serviceutil"
	"novelfetch/lib/sourcelock"
	"novelfetch/lib/telemetry"

	"github.com/jedib0t/go-pretty/v6/table"
)

// app is everything a command needs, built fresh from the config file on every
// invocation so proxy and rule changes take effect immediately.
type app struct {
	cfg      Config
	tel      telemetry.Telemetry
	registry *rules.Registry
	gateway  *gateway.Gateway
	scraper  *scraper.Client
	locks    *sourcelock.Queue
	clock    chrono.API

	db    *sql.DB
	store bookstore.Store
}

func newApp(ctx context.Context) *app {
	cfg, err := configutil.ReadConfigOrDefault[Config](configPath)
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}

	tel, err := telemetry.SetupFromEnv(ctx, "novelfetch")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("telemetry disabled", "err", err)
	}

	registry := rules.NewRegistry(nil)
	if !cfg.Rules.NoBundled {
		_, err = registry.LoadFS(rules.Bundled())
		if err != nil {
			serviceutil.Fatal("failed to load bundled rules", err)
		}
	}
	loaded, err := registry.LoadDir(cfg.Rules.UserDir)
	if err != nil {
		serviceutil.Fatal("failed to load user rules", err)
	}
	slog.Debug("rules loaded", "user", loaded, "total", len(registry.All()))

	opts := gateway.Options{
		Proxy:            cfg.Proxy,
		Timeout:          millis(cfg.Http.TimeoutMs),
		CloudflareBypass: cfg.Http.CloudflareBypass,
	}
	if cfg.Http.DumpDir != "" {
		dump, err := restyutil.NewDirOutput(cfg.Http.DumpDir)
		if err != nil {
			serviceutil.Fatal("failed to prepare http dump dir", err)
		}
		opts.Dump = dump
	}
	gw, err := gateway.New(opts)
	if err != nil {
		serviceutil.Fatal("failed to create gateway", err)
	}

	return &app{
		cfg:      cfg,
		tel:      tel,
		registry: registry,
		gateway:  gw,
		scraper:  scraper.New(gw, nil),
		locks:    sourcelock.New(),
		clock:    chrono.StandardImpl{},
	}
}

// openStore opens the library database and creates its tables.
func (a *app) openStore(ctx context.Context) bookstore.Store {
	db, err := a.cfg.DB.OpenDB()
	if err != nil {
		serviceutil.Fatal("failed to open db", err)
	}
	a.db = db
	a.store = bookstore.NewStore(db, a.clock)
	err = a.store.Migrate(ctx)
	if err != nil {
		serviceutil.Fatal("failed to migrate db", err)
	}
	return a.store
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	err := a.tel.Shutdown(context.Background())
	if err != nil {
		slog.Warn("telemetry shutdown", "err", err)
	}
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}
