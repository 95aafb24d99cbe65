package consul

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	consul "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"

	"github.com/streamforge/streamforge/pkg/cluster/kv/codec"
)

const (
	defaultMaxCasRetries = 10
	defaultCasRetryDelay = 100 * time.Millisecond
	longPollDuration     = 10 * time.Second
)

var (
	writeOptions = &consul.WriteOptions{}

	// ErrCASRetriesExhausted is returned when all CAS attempts conflicted or failed.
	ErrCASRetriesExhausted = errors.New("failed to CAS: retries exhausted")
)

// Config to create a ConsulClient
type Config struct {
	Host              string        `yaml:"host"`
	ACLToken          string        `yaml:"acl_token"`
	HTTPClientTimeout time.Duration `yaml:"http_client_timeout"`
	ConsistentReads   bool          `yaml:"consistent_reads"`

	MaxCasRetries int           `yaml:"-"` // maximum number of times to retry CAS operations
	CasRetryDelay time.Duration `yaml:"-"` // how long to wait between CAS attempts
}

type kv interface {
	CAS(p *consul.KVPair, q *consul.WriteOptions) (bool, *consul.WriteMeta, error)
	Get(key string, q *consul.QueryOptions) (*consul.KVPair, *consul.QueryMeta, error)
	List(path string, q *consul.QueryOptions) (consul.KVPairs, *consul.QueryMeta, error)
	Delete(key string, q *consul.WriteOptions) (*consul.WriteMeta, error)
	Put(p *consul.KVPair, q *consul.WriteOptions) (*consul.WriteMeta, error)
}

// Client is a KV.Client for Consul.
type Client struct {
	kv
	codec  codec.Codec
	cfg    Config
	logger log.Logger
}

// RegisterFlags adds the flags required to config this to the given FlagSet
// If prefix is not an empty string it should end with a period.
func (cfg *Config) RegisterFlags(f *flag.FlagSet, prefix string) {
	f.StringVar(&cfg.Host, prefix+"consul.hostname", "localhost:8500", "Hostname and port of Consul.")
	f.StringVar(&cfg.ACLToken, prefix+"consul.acl-token", "", "ACL Token used to interact with Consul.")
	f.DurationVar(&cfg.HTTPClientTimeout, prefix+"consul.client-timeout", 2*longPollDuration, "HTTP timeout when talking to Consul")
	f.BoolVar(&cfg.ConsistentReads, prefix+"consul.consistent-reads", false, "Enable consistent reads to Consul.")
}

// NewClient returns a new Client.
func NewClient(cfg Config, codec codec.Codec, logger log.Logger) (*Client, error) {
	client, err := consul.NewClient(&consul.Config{
		Address: cfg.Host,
		Token:   cfg.ACLToken,
		Scheme:  "http",
		HttpClient: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			Timeout:   cfg.HTTPClientTimeout,
		},
	})
	if err != nil {
		return nil, err
	}
	c := &Client{
		kv:     client.KV(),
		codec:  codec,
		cfg:    withDefaults(cfg),
		logger: logger,
	}
	return c, nil
}

func withDefaults(cfg Config) Config {
	if cfg.MaxCasRetries <= 0 {
		cfg.MaxCasRetries = defaultMaxCasRetries
	}
	if cfg.CasRetryDelay <= 0 {
		cfg.CasRetryDelay = defaultCasRetryDelay
	}
	return cfg
}

func (c *Client) queryOptions(ctx context.Context) *consul.QueryOptions {
	options := &consul.QueryOptions{
		AllowStale:        !c.cfg.ConsistentReads,
		RequireConsistent: c.cfg.ConsistentReads,
	}
	return options.WithContext(ctx)
}

// CAS atomically modifies a value in a callback.
// If value doesn't exist you'll get nil as an argument to your callback.
func (c *Client) CAS(ctx context.Context, key string, f func(in interface{}) (out interface{}, retry bool, err error)) error {
	var lastErr error
	for i := 0; i < c.cfg.MaxCasRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.CasRetryDelay):
			}
		}

		// Get with default options - don't want stale data to compare with
		options := &consul.QueryOptions{}
		kvp, _, err := c.kv.Get(key, options.WithContext(ctx))
		if err != nil {
			level.Error(c.logger).Log("msg", "error getting key", "key", key, "err", err)
			lastErr = err
			continue
		}
		var intermediate interface{}
		var index uint64
		if kvp != nil {
			out, err := c.codec.Decode(kvp.Value)
			if err != nil {
				level.Error(c.logger).Log("msg", "error decoding key", "key", key, "err", err)
				lastErr = err
				continue
			}
			// If key doesn't exist, index will be 0.
			index = kvp.ModifyIndex
			intermediate = out
		}

		intermediate, retry, err := f(intermediate)
		if err != nil {
			if !retry {
				return err
			}
			lastErr = err
			continue
		}

		// Treat the callback returning nil for intermediate as a decision to
		// not actually write to Consul, but this is not an error.
		if intermediate == nil {
			return nil
		}

		bytes, err := c.codec.Encode(intermediate)
		if err != nil {
			level.Error(c.logger).Log("msg", "error serialising value", "key", key, "err", err)
			lastErr = err
			continue
		}
		ok, _, err := c.kv.CAS(&consul.KVPair{
			Key:         key,
			Value:       bytes,
			ModifyIndex: index,
		}, writeOptions.WithContext(ctx))
		if err != nil {
			level.Error(c.logger).Log("msg", "error CASing", "key", key, "err", err)
			lastErr = err
			continue
		}
		if !ok {
			level.Debug(c.logger).Log("msg", "error CASing, trying again", "key", key, "index", index)
			lastErr = errors.Errorf("modify index %d is stale", index)
			continue
		}
		return nil
	}
	if lastErr == nil {
		return fmt.Errorf("%w: key %s", ErrCASRetriesExhausted, key)
	}
	return fmt.Errorf("%w: key %s: %w", ErrCASRetriesExhausted, key, lastErr)
}

// List implements kv.List.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	pairs, _, err := c.kv.List(prefix, c.queryOptions(ctx))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(pairs))
	for _, kvp := range pairs {
		keys = append(keys, kvp.Key)
	}
	return keys, nil
}

// Get implements kv.Get.
func (c *Client) Get(ctx context.Context, key string) (interface{}, error) {
	kvp, _, err := c.kv.Get(key, c.queryOptions(ctx))
	if err != nil {
		return nil, err
	} else if kvp == nil {
		return nil, nil
	}
	return c.codec.Decode(kvp.Value)
}

// Delete implements kv.Delete.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.kv.Delete(key, writeOptions.WithContext(ctx))
	return err
}
