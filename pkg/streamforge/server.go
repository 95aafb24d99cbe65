package streamforge

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/server"

	"github.com/streamforge/streamforge/pkg/util/flagext"
)

// ServerConfig configures the HTTP and gRPC server of the fragmenter. Only a
// subset of the server options is exposed as flags; the rest keep the
// server's own defaults.
type ServerConfig struct {
	server.Config `yaml:",inline"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *ServerConfig) RegisterFlags(f *flag.FlagSet) {
	// The server also registers log flags, which util/log owns here.
	flagext.DefaultValues(&cfg.Config)

	f.StringVar(&cfg.HTTPListenNetwork, "server.http-listen-network", server.DefaultNetwork, "HTTP server listen network, default tcp")
	f.StringVar(&cfg.HTTPListenAddress, "server.http-listen-address", "", "HTTP server listen address.")
	f.IntVar(&cfg.HTTPListenPort, "server.http-listen-port", 8080, "HTTP server listen port.")
	f.IntVar(&cfg.HTTPConnLimit, "server.http-conn-limit", 0, "Maximum number of simultaneous http connections, <=0 to disable")
	f.StringVar(&cfg.GRPCListenNetwork, "server.grpc-listen-network", server.DefaultNetwork, "gRPC server listen network")
	f.StringVar(&cfg.GRPCListenAddress, "server.grpc-listen-address", "", "gRPC server listen address.")
	f.IntVar(&cfg.GRPCListenPort, "server.grpc-listen-port", 9095, "gRPC server listen port.")
	f.DurationVar(&cfg.ServerGracefulShutdownTimeout, "server.graceful-shutdown-timeout", 30*time.Second, "Timeout for graceful shutdowns")
	f.DurationVar(&cfg.HTTPServerReadTimeout, "server.http-read-timeout", 30*time.Second, "Read timeout for HTTP server")
	f.DurationVar(&cfg.HTTPServerWriteTimeout, "server.http-write-timeout", 30*time.Second, "Write timeout for HTTP server")
	f.DurationVar(&cfg.HTTPServerIdleTimeout, "server.http-idle-timeout", 120*time.Second, "Idle timeout for HTTP server")
	f.BoolVar(&cfg.RegisterInstrumentation, "server.register-instrumentation", true, "Register the /metrics and /debug/pprof endpoints.")
}

// Validate the config.
func (cfg *ServerConfig) Validate() error {
	if cfg.HTTPListenPort < 0 || cfg.HTTPListenPort > 65535 {
		return fmt.Errorf("invalid HTTP listen port %d", cfg.HTTPListenPort)
	}
	if cfg.GRPCListenPort < 0 || cfg.GRPCListenPort > 65535 {
		return fmt.Errorf("invalid gRPC listen port %d", cfg.GRPCListenPort)
	}
	return nil
}
