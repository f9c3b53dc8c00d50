package env

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/multierr"
)

const (
	StoreMemory = "memory"
	StoreFile   = "file"
)

type Config struct {
	Host    string `env:"KN_HOST,default=0.0.0.0"`
	Port    int    `env:"KN_PORT,default=9000"`
	Backlog int    `env:"KN_BACKLOG,default=10"`

	IdleTimeout     time.Duration `env:"KN_IDLE_TIMEOUT,default=300s"`
	WaitTimeout     time.Duration `env:"KN_WAIT_TIMEOUT,default=10s"`
	SweepEvery      int           `env:"KN_SWEEP_EVERY,default=1000"`
	EventBufferSize int           `env:"KN_EVENT_BUFFER,default=32"`

	ReceiveTimeout time.Duration `env:"KN_RECEIVE_TIMEOUT,default=300ms"`
	SendTimeout    time.Duration `env:"KN_SEND_TIMEOUT,default=5s"`
	NoDelay        bool          `env:"KN_NO_DELAY,default=true"`
	Linger         time.Duration `env:"KN_LINGER,default=0s"`
	ReceiveBuffer  int           `env:"KN_RECEIVE_BUFFER,default=8192"`

	Store       string `env:"KN_STORE,default=memory"`
	DataPath    string `env:"KN_DATA_PATH,default=./knownothing_data"`
	Buckets     int    `env:"KN_BUCKETS,default=16"`
	Compression bool   `env:"KN_COMPRESSION,default=true"`
	SyncWrites  bool   `env:"KN_SYNC_WRITES,default=false"`

	// Snapshot is a JSON file the memory store is restored from on start
	// and backed up to on shutdown
	Snapshot string `env:"KN_SNAPSHOT"`

	HTTPPort  string `env:"KN_HTTP_PORT"`
	DebugHTTP bool   `env:"KN_DEBUG_HTTP"`

	LogLevel    string `env:"KN_LOG_LEVEL,default=info"`
	LogEncoding string `env:"KN_LOG_ENCODING,default=json"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("Failed to load .env.local: %w", err)
		}
	}

	return loadConfig(ctx, envconfig.OsLookuper())
}

func loadConfig(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	config := Config{}

	if err := envconfig.ProcessWith(ctx, &config, lookuper); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() (err error) {
	if c.Port < 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("KN_PORT %d is out of range", c.Port))
	}

	if c.Backlog < 1 {
		err = multierr.Append(err, errors.New("KN_BACKLOG must be at least 1"))
	}

	if c.IdleTimeout < 0 {
		err = multierr.Append(err, errors.New("KN_IDLE_TIMEOUT must not be negative"))
	}

	if c.WaitTimeout <= 0 {
		err = multierr.Append(err, errors.New("KN_WAIT_TIMEOUT must be positive"))
	}

	if c.SweepEvery < 1 {
		err = multierr.Append(err, errors.New("KN_SWEEP_EVERY must be at least 1"))
	}

	if c.EventBufferSize < 1 {
		err = multierr.Append(err, errors.New("KN_EVENT_BUFFER must be at least 1"))
	}

	if c.ReceiveBuffer < 1 {
		err = multierr.Append(err, errors.New("KN_RECEIVE_BUFFER must be at least 1"))
	}

	if c.Linger < 0 {
		err = multierr.Append(err, errors.New("KN_LINGER must not be negative"))
	}

	switch c.Store {
	case StoreMemory:
	case StoreFile:
		if c.DataPath == "" {
			err = multierr.Append(err, errors.New("KN_DATA_PATH is required for the file store"))
		}

		if c.Buckets < 1 {
			err = multierr.Append(err, errors.New("KN_BUCKETS must be at least 1"))
		}

	default:
		err = multierr.Append(err, fmt.Errorf("KN_STORE must be %q or %q, got %q", StoreMemory, StoreFile, c.Store))
	}

	return err
}
