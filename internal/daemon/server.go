package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/g960059/chanpool/internal/config"
	"github.com/g960059/chanpool/internal/logging"
	"github.com/g960059/chanpool/internal/reconcile"
	"github.com/g960059/chanpool/internal/store"
)

type Server struct {
	cfg         config.Config
	httpSrv     *http.Server
	engine      *gin.Engine
	listener    net.Listener
	lockFile    *os.File
	store       store.Store
	sweeper     *reconcile.Sweeper
	stopSweep   context.CancelFunc
	log         *log.Entry
	now         func() time.Time
	mu          sync.Mutex
	writeMu     sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

// NewServer builds the daemon. With a nil store only /v1/health is served.
func NewServer(cfg config.Config, st store.Store) *Server {
	gin.SetMode(gin.ReleaseMode)
	entry := logging.New("daemon")
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(gin.Recovery(), logging.GinLogger(entry))

	s := &Server{
		cfg:    cfg,
		engine: engine,
		store:  st,
		log:    entry,
		now:    time.Now,
		httpSrv: &http.Server{
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if st != nil {
		s.sweeper = reconcile.NewSweeper(st, cfg.CooldownSweepInterval, logging.New("sweeper"))
	}
	s.routes()
	return s
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.sweeper != nil {
		sweepCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.stopSweep = cancel
		s.mu.Unlock()
		go s.sweeper.Run(sweepCtx)
	}
	s.log.WithField("addr", ln.Addr().String()).Info("daemon listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen tcp: %w", err)
		}
		return ln, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return nil, err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return nil, fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return nil, fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return nil, fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		s.mu.Lock()
		stop := s.stopSweep
		s.stopSweep = nil
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.ListenAddr == "" && s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
