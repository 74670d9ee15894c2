package pcontrol

import (
	"io"
	"net/http"
	"time"

	"github.com/loykin/pcontrol/internal/auth"
	cfg "github.com/loykin/pcontrol/internal/config"
	"github.com/loykin/pcontrol/internal/frame"
	"github.com/loykin/pcontrol/internal/history"
	"github.com/loykin/pcontrol/internal/history/factory"
	"github.com/loykin/pcontrol/internal/manager"
	"github.com/loykin/pcontrol/internal/metrics"
	"github.com/loykin/pcontrol/internal/protocol"
	iapi "github.com/loykin/pcontrol/internal/server"
	tlsx "github.com/loykin/pcontrol/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Options = manager.Options

type Status = manager.Status

type State = manager.State

type Registry = manager.Registry

type RegistryConfig = manager.RegistryConfig

type Config = cfg.FileConfig

type HistoryConfig = cfg.HistoryConfig

type APIConfig = cfg.APIConfig

type HistorySink = history.Sink

type History = history.Dispatcher

// Exit codes with a reserved meaning for the privileged process.
const (
	ExitNormal              = protocol.ExitNormal
	ExitRestartFromLauncher = protocol.ExitRestartFromLauncher
	ExitControllerAbort     = protocol.ExitControllerAbort
)

var (
	ErrUnknownProcess   = manager.ErrUnknownProcess
	ErrDuplicateProcess = manager.ErrDuplicateProcess
	ErrNotRunning       = manager.ErrNotRunning
	ErrShuttingDown     = manager.ErrShuttingDown
	ErrInvalidAuthKey   = manager.ErrInvalidAuthKey
)

func NewRegistry(c RegistryConfig) *Registry { return manager.NewRegistry(c) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewAuthKey returns a fresh key for the process handshake.
func NewAuthKey() (string, error) { return protocol.NewAuthKey() }

// WriteFrame reads src to EOF and writes it to w as one control frame.
func WriteFrame(w io.Writer, src io.Reader) error { return frame.NewWriter(w).Encode(src) }

// NewHistory opens the configured sinks. It returns nil when none are configured.
func NewHistory(hc HistoryConfig) (*History, error) {
	if len(hc.Sinks) == 0 {
		return nil, nil
	}
	sinks, err := factory.NewSinks(hc.Sinks)
	if err != nil {
		return nil, err
	}
	return history.NewDispatcher(hc.QueueSize, hc.Timeout, sinks...), nil
}

// HashPassword returns a bcrypt hash for an [[api.auth.users]] entry.
func HashPassword(password string) (string, error) { return auth.HashPassword(password) }

// NewHTTPServer starts an HTTP server exposing the internal API for reg.
func NewHTTPServer(addr, basePath string, reg *Registry) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, reg)
}

// NewAPIServer starts the management API described by api, over HTTPS when
// api.TLS is enabled and behind authentication when api.Auth is.
func NewAPIServer(api APIConfig, reg *Registry) (*http.Server, error) {
	tlsConf, err := tlsx.Setup(api.TLS)
	if err != nil {
		return nil, err
	}
	authSvc, err := auth.NewService(api.Auth)
	if err != nil {
		return nil, err
	}
	r := iapi.NewRouter(reg, api.BasePath).WithAuth(authSvc)
	return iapi.NewTLSServer(api.Listen, r, tlsConf)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// NewMetricsServer returns a server exposing /metrics from the default registry.
// The caller runs ListenAndServe.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
