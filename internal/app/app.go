package app

import (
	"database/sql"
	"fmt"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/ledger"
	"taskline/internal/migrate"
	"taskline/internal/store"
)

// App bundles everything a command needs against one workspace: the open
// database, the loaded config, and the engine built on both.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    *engine.Engine
	Store     store.Store
	Ledger    ledger.Reader
}

// Open initializes the workspace: opens the database, applies migrations,
// and loads taskline.yml (or defaults when absent).
func Open(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &App{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
		Store:     store.Store{DB: conn},
		Ledger:    ledger.Reader{DB: conn},
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// InboxDir is the workspace's record drop directory.
func (a *App) InboxDir() string {
	return db.InboxDir(a.Workspace)
}
