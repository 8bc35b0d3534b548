package database

import (
	"database/sql"
	"embed"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/Vicky270506/awake-watch-tech/internal/logging"
)

var DB *sql.DB

//go:embed migrations/*.sql
var migrations embed.FS

// InitDB opens the Postgres pool and runs the embedded goose migrations.
func InitDB(dsn string) error {
	var err error
	DB, err = sql.Open("pgx", dsn)
	if err != nil {
		return err
	}

	if err = DB.Ping(); err != nil {
		return err
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(5)
	DB.SetConnMaxLifetime(5 * time.Minute)

	goose.SetBaseFS(migrations)
	if err = goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err = goose.Up(DB, "migrations"); err != nil {
		return err
	}

	logging.Info("database initialized")
	return nil
}

func CloseDB() {
	if DB != nil {
		DB.Close()
		logging.Info("database closed")
	}
}
