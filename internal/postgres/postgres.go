package postgres

import (
	"flag"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/peterbourgon/ff"
)

type Config struct {
	Host         string
	Port         int
	User         string
	Password     string
	DatabaseName string
	SSLMode      string
	// bounds how long a unit waits for a row lock before aborting
	LockTimeout time.Duration
	// connection pool
	MaxOpenConns int
	MaxIdleConns int
}

// DSN returns the lib/pq connection string for the config
func (c *Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.DatabaseName,
		sslMode,
	)
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", c.Password)
	}
	return dsn
}

// Configured reports whether enough settings are present to attempt a connection
func (c *Config) Configured() bool {
	return c.User != "" && c.DatabaseName != ""
}

// connect to Postgres, migrate the schema and return a database handle representing a pool of connections
func Connect(config *Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}

	err = setup(db, config.DatabaseName)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Parse the flags in the flag set from the command line.
// Additional options may be provided to parse from environment variables, but flags get priority.
//
// Example .env file
//
//	POSTGRES_HOST=localhost
//	POSTGRES_PORT=5432
//	POSTGRES_USER=alice
//	POSTGRES_PASSWORD=secret
//	POSTGRES_DB_NAME=ledger_dev
//	POSTGRES_LOCK_TIMEOUT=5s
func Parse(args []string) (*Config, error) {
	var err error

	postgresFlags := flag.NewFlagSet("postgres", flag.ContinueOnError)
	var (
		host        = postgresFlags.String("host", "localhost", "host to connect to")
		port        = postgresFlags.Int("port", 5432, "port to bind to")
		user        = postgresFlags.String("user", "", "user to sign in as")
		password    = postgresFlags.String("password", "", "password of the user")
		dbName      = postgresFlags.String("db_name", "", "name of the database")
		sslMode     = postgresFlags.String("ssl_mode", "disable", "lib/pq sslmode")
		lockTimeout = postgresFlags.Duration("lock_timeout", 5*time.Second, "max wait for a row lock")
		maxOpen     = postgresFlags.Int("max_open_conns", 20, "connection pool size")
		maxIdle     = postgresFlags.Int("max_idle_conns", 5, "idle connections kept in the pool")
	)

	err = ff.Parse(postgresFlags, args,
		ff.WithIgnoreUndefined(true),
		ff.WithEnvVarPrefix("POSTGRES"),
	)
	if err != nil {
		return nil, err
	}

	return &Config{
		Host:         *host,
		Port:         *port,
		User:         *user,
		Password:     *password,
		DatabaseName: *dbName,
		SSLMode:      *sslMode,
		LockTimeout:  *lockTimeout,
		MaxOpenConns: *maxOpen,
		MaxIdleConns: *maxIdle,
	}, nil
}

// ParseEnv parses the config from POSTGRES_ prefixed environment variables only
func ParseEnv() (*Config, error) {
	return Parse(nil)
}

// configures the database settings
func setup(db *sqlx.DB, dbName string) error {
	// set default timezone to UTC
	_, err := db.Exec("SET timezone to 'UTC'")
	if err != nil {
		return fmt.Errorf("setting database default timezone: %w", err)
	}

	err = Migrate(db, dbName)
	if err != nil {
		return fmt.Errorf("creating db tables: %w", err)
	}

	return nil
}
