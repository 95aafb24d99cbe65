package kv

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamforge/streamforge/pkg/cluster/kv/codec"
	"github.com/streamforge/streamforge/pkg/cluster/kv/consul"
	"github.com/streamforge/streamforge/pkg/cluster/kv/etcd"
)

// StoreConfig is a configuration used for building single store client, either
// Consul, Etcd or inmemory. It was extracted from Config to keep single-client
// config separate from final client-config.
type StoreConfig struct {
	Consul consul.Config `yaml:"consul"`
	Etcd   etcd.Config   `yaml:"etcd"`
}

// Config is config for a KVStore currently used by the cluster topology and
// the id allocator.
type Config struct {
	Store       string `yaml:"store"`
	Prefix      string `yaml:"prefix"`
	StoreConfig `yaml:",inline"`

	Mock Client `yaml:"-"`
}

// RegisterFlagsWithPrefix adds the flags required to config this to the given FlagSet.
// With an empty prefix the store and key prefix flags are registered under "kv.".
func (cfg *Config) RegisterFlagsWithPrefix(flagsPrefix, defaultPrefix string, f *flag.FlagSet) {
	cfg.Consul.RegisterFlags(f, flagsPrefix)
	cfg.Etcd.RegisterFlagsWithPrefix(f, flagsPrefix)
	if flagsPrefix == "" {
		flagsPrefix = "kv."
	}
	f.StringVar(&cfg.Prefix, flagsPrefix+"prefix", defaultPrefix, "The prefix for the keys in the store. Should end with a /.")
	f.StringVar(&cfg.Store, flagsPrefix+"store", "inmemory", "Backend storage to use. Supported values are: consul, etcd, inmemory.")
}

// Validate checks the configured store is supported.
func (cfg *Config) Validate() error {
	switch cfg.Store {
	case "consul", "etcd", "inmemory":
		return nil
	default:
		return fmt.Errorf("invalid KV store type: %s", cfg.Store)
	}
}

// Client is a high-level client for key-value stores (such as Etcd and
// Consul) that exposes operations such as CAS which take callbacks.
// It also deals with serialisation by using a Codec and having a instance of
// the desired type passed in to methods ala json.Unmarshal.
type Client interface {
	// List returns a list of keys under the given prefix. Returned keys will
	// include the prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Get a specific key.  Will use a codec to deserialise key to appropriate type.
	// If the key does not exist, Get will return nil and no error.
	Get(ctx context.Context, key string) (interface{}, error)

	// Delete a specific key. Deletions are best-effort and no error will
	// be returned if the key does not exist.
	Delete(ctx context.Context, key string) error

	// CAS stands for Compare-And-Swap.  Will call provided callback f with the
	// current value of the key and allow callback to return a different value.
	// Will then attempt to atomically swap the current value for the new value.
	// If that doesn't succeed will try again - callback will be called again
	// with new value etc.  Guarantees that only a single concurrent CAS
	// succeeds.  Callback can return nil to indicate it is happy with existing
	// value.
	//
	// If the callback returns an error and true for retry, and the max number of
	// attempts is not exceeded, the operation will be retried.
	CAS(ctx context.Context, key string, f func(in interface{}) (out interface{}, retry bool, err error)) error
}

// NewClient creates a new Client (consul, etcd or inmemory) based on the config,
// encodes and decodes data for storage using the codec.
func NewClient(cfg Config, codec codec.Codec, reg prometheus.Registerer, logger log.Logger) (Client, error) {
	if cfg.Mock != nil {
		return cfg.Mock, nil
	}
	return createClient(cfg.Store, cfg.Prefix, cfg.StoreConfig, codec, reg, logger)
}

func createClient(backend string, prefix string, cfg StoreConfig, codec codec.Codec, reg prometheus.Registerer, logger log.Logger) (Client, error) {
	var client Client
	var err error

	switch backend {
	case "consul":
		client, err = consul.NewClient(cfg.Consul, codec, logger)

	case "etcd":
		client, err = etcd.New(cfg.Etcd, codec, logger)

	// The inmemory KV store only lives inside the process. It is suitable for
	// a single fragmenter instance and for tests.
	case "inmemory":
		client = consul.NewInMemoryClient(codec, logger)

	default:
		return nil, fmt.Errorf("invalid KV store type: %s", backend)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "create %s client", backend)
	}

	if prefix != "" {
		client = PrefixClient(client, prefix)
	}

	return newMetricsClient(backend, client, reg), nil
}

// Close releases the connection held by c, if its store keeps one open.
func Close(c Client) error {
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// RegistererWithKVName wraps the provided Registerer with the KV name label. If a nil reg
// is provided, a nil registry is returned
func RegistererWithKVName(reg prometheus.Registerer, name string) prometheus.Registerer {
	if reg == nil {
		return nil
	}

	return prometheus.WrapRegistererWith(prometheus.Labels{"kv_name": name}, reg)
}
