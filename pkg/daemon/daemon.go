// Package daemon runs the query cache as a long-lived process: the
// precompute sweep, cache cleanup and the admin HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/config"
)

type Daemon struct {
	host   string
	port   int
	cfg    *config.Config
	logger *zap.Logger
	server *http.Server
}

// New creates a daemon. An empty host or zero port uses the configured one.
func New(cfg *config.Config, host string, port int, logger *zap.Logger) *Daemon {
	if host == "" {
		host = cfg.Server.Host
	}
	if port == 0 {
		port = cfg.Server.Port
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{host: host, port: port, cfg: cfg, logger: logger}
}

// Start runs until SIGINT or SIGTERM.
func (d *Daemon) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

// Run serves until ctx is done, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	app, err := NewApp(ctx, d.cfg, d.logger)
	if err != nil {
		return err
	}
	defer app.Close()

	sched := NewScheduler(app.Chain, app.Sweeper,
		config.Seconds(d.cfg.Precompute.SweepInterval), time.Hour, d.logger.Named("scheduler"))
	sched.Start(ctx)
	defer sched.Stop()

	handler := NewHandler(app)
	defer handler.Close()

	d.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", d.host, d.port),
		Handler:      handler.Routes(),
		ReadTimeout:  config.Seconds(d.cfg.Server.ReadTimeout),
		WriteTimeout: config.Seconds(d.cfg.Server.WriteTimeout),
		IdleTimeout:  60 * time.Second,
	}

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer d.removePIDFile()

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("Daemon started", zap.String("addr", d.server.Addr))
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	d.logger.Info("Shutting down daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	d.logger.Info("Daemon stopped")
	return nil
}

func (d *Daemon) Stop() error {
	pid, err := d.readPID()
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	os.Remove(d.pidFilePath())
	fmt.Println("✅ Daemon stopped")
	return nil
}

func (d *Daemon) Status() error {
	pid, err := d.readPID()
	if err != nil {
		fmt.Println("❌ Daemon is not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Println("❌ Daemon is not running")
		return nil
	}

	// Check if process is actually running
	if err := process.Signal(syscall.Signal(0)); err != nil {
		fmt.Println("❌ Daemon is not running (stale PID file)")
		os.Remove(d.pidFilePath())
		return nil
	}

	fmt.Printf("✅ Daemon is running (PID: %d)\n", pid)

	resp, err := http.Get(fmt.Sprintf("http://%s:%d/health", d.host, d.port))
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Printf("   Endpoint: http://%s:%d\n", d.host, d.port)
		}
	}
	return nil
}

func (d *Daemon) readPID() (int, error) {
	data, err := os.ReadFile(d.pidFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("daemon is not running")
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

func (d *Daemon) pidFilePath() string {
	return filepath.Join(config.Dir(), "daemon.pid")
}

func (d *Daemon) writePIDFile() error {
	pidPath := d.pidFilePath()
	if err := os.MkdirAll(filepath.Dir(pidPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func (d *Daemon) removePIDFile() {
	os.Remove(d.pidFilePath())
}
