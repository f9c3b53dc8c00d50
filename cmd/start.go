package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	reuseport "github.com/kavu/go_reuseport"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/knownothing/internal/env"
	"github.com/luma/knownothing/internal/meta"
	"github.com/luma/knownothing/storage"
	"github.com/luma/knownothing/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for tcp clients on
	port int
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 9000, "The port to listen client connections on, overrides KN_PORT")
	flags.StringVar(&host, "host", "0.0.0.0", "The host to listen on, overrides KN_HOST")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start up the Know Nothing server",
	Long: `Start up the Know Nothing server

Configuration is read from KN_ environment variables, and from .env.local
when it exists.

Usage
	knownothing start
	KN_STORE=file KN_DATA_PATH=/var/lib/knownothing knownothing start

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("host") {
			conf.Host = host
		}

		if flags.Changed("port") {
			conf.Port = port
		}

		log, err := env.MakeLogger(conf.LogLevel, conf.LogEncoding)
		if err != nil {
			return err
		}
		defer log.Sync()

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		store, err := openStore(conf, log.Named("store"))
		if err != nil {
			return err
		}

		defer func() {
			if cerr := closeStore(store, conf, log); cerr != nil {
				log.Error("Store did not close cleanly", zap.Error(cerr))
				err = multierr.Append(err, cerr)
			}
		}()

		reactor := transport.NewReactor(transport.Options{
			Host:            conf.Host,
			Port:            conf.Port,
			Backlog:         conf.Backlog,
			IdleTimeout:     conf.IdleTimeout,
			WaitTimeout:     conf.WaitTimeout,
			SweepEvery:      conf.SweepEvery,
			EventBufferSize: conf.EventBufferSize,
			Socket: transport.SocketOptions{
				ReceiveTimeout: conf.ReceiveTimeout,
				SendTimeout:    conf.SendTimeout,
				NoDelay:        conf.NoDelay,
				Linger:         conf.Linger,
				ReceiveBuffer:  conf.ReceiveBuffer,
			},
			Handler:      transport.NewDispatcher(store, log.Named("dispatcher")),
			OnConnect:    logConnect(log),
			OnDisconnect: logDisconnect(log),
			Log:          log.Named("reactor"),
		})

		// Startup failures are fatal, nothing is served
		if err := reactor.Listen(); err != nil {
			return err
		}

		var s *http.Server
		if conf.HTTPPort != "" {
			s, err = startHTTP(conf, reactor, log.Named("http"))
			if err != nil {
				return multierr.Append(err, reactor.Close())
			}
		}

		serveErr := make(chan error, 1)
		go func() {
			serveErr <- reactor.Serve(ctx)
		}()

		log.Info("Started",
			zap.Stringer("addr", reactor.Addr()),
			zap.String("store", conf.Store),
			zap.String("httpPort", conf.HTTPPort))

		// Listen for the interrupt signal, or the loop dying on its own
		select {
		case <-ctx.Done():
		case err = <-serveErr:
			if err != nil {
				log.Error("Event loop failed", zap.Error(err))
			}
		}

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		if s != nil {
			// The context is used to inform the server it has 5 seconds to finish
			// the request it is currently handling
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			s.SetKeepAlivesEnabled(false)

			if herr := s.Shutdown(shutdownCtx); herr != nil {
				log.Error("Http server forced to shutdown", zap.Error(herr))
			}
		}

		if cerr := reactor.Close(); cerr != nil {
			log.Error("Reactor did not close cleanly", zap.Error(cerr))
			err = multierr.Append(err, cerr)
		}

		log.Info("Exiting", zap.Any("stats", reactor.Stats()))
		return err
	},
}

func openStore(conf *env.Config, log *zap.Logger) (storage.Store, error) {
	switch conf.Store {
	case env.StoreFile:
		return storage.OpenFileStore(storage.FileStoreOptions{
			Path:        conf.DataPath,
			Buckets:     conf.Buckets,
			Compression: conf.Compression,
			SyncWrites:  conf.SyncWrites,
			Log:         log,
		})

	default:
		store := storage.NewInmemoryStore()

		if conf.Snapshot == "" {
			return store, nil
		}

		snapshot, err := os.ReadFile(conf.Snapshot)
		if errors.Is(err, os.ErrNotExist) {
			log.Info("No snapshot to restore", zap.String("path", conf.Snapshot))
			return store, nil
		}

		if err != nil {
			return nil, err
		}

		if err := store.Restore(snapshot); err != nil {
			return nil, err
		}

		log.Info("Restored snapshot",
			zap.String("path", conf.Snapshot),
			zap.Int("keys", store.Len()))

		return store, nil
	}
}

// closeStore backs the store up to the snapshot file, when there is one, and
// closes it.
func closeStore(store storage.Store, conf *env.Config, log *zap.Logger) (err error) {
	if snapshotter, ok := store.(storage.Snapshotter); ok && conf.Snapshot != "" {
		if serr := writeSnapshot(snapshotter, conf.Snapshot); serr != nil {
			err = multierr.Append(err, serr)
		} else {
			log.Info("Wrote snapshot", zap.String("path", conf.Snapshot))
		}
	}

	return multierr.Append(err, store.Close())
}

func writeSnapshot(snapshotter storage.Snapshotter, path string) error {
	snapshot, err := snapshotter.Backup()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, snapshot, 0640); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func logConnect(log *zap.Logger) func(c *transport.Conn) {
	return func(c *transport.Conn) {
		log.Info("Client connected", zap.Stringer("peer", c.Peer()))
	}
}

func logDisconnect(log *zap.Logger) func(c *transport.Conn) {
	return func(c *transport.Conn) {
		log.Info("Client disconnected",
			zap.Stringer("peer", c.Peer()),
			zap.Duration("connected", time.Since(c.StartedAt())),
			zap.Uint64("iterations", c.Iterations()))
	}
}

func startHTTP(conf *env.Config, reactor *transport.Reactor, log *zap.Logger) (*http.Server, error) {
	router := setupRouter(conf.DebugHTTP, log)

	// Ping test
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, reactor.Stats())
	})

	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, meta.GetInfo())
	})

	listener, err := reuseport.Listen("tcp", net.JoinHostPort(conf.Host, conf.HTTPPort))
	if err != nil {
		return nil, err
	}

	s := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling
	go func() {
		if err := s.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Http server errored", zap.Error(err))
		}
	}()

	log.Info("Http server listening", zap.String("addr", listener.Addr().String()))

	return s, nil
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/health"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
