package kv

import (
	"context"
	"strings"
)

type prefixedKVClient struct {
	prefix string
	client Client
}

// PrefixClient takes a KVClient and forces a prefix on all its operations.
func PrefixClient(client Client, prefix string) Client {
	return &prefixedKVClient{prefix, client}
}

// CAS atomically modifies a value in a callback. If the value doesn't exist,
// you'll get 'nil' as an argument to your callback.
func (c *prefixedKVClient) CAS(ctx context.Context, key string, f func(in interface{}) (out interface{}, retry bool, err error)) error {
	return c.client.CAS(ctx, c.prefix+key, f)
}

// List returns a list of keys under a given prefix.
func (c *prefixedKVClient) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := c.client.List(ctx, c.prefix+prefix)
	if err != nil {
		return nil, err
	}

	// Remove the prefix from the returned keys.
	for i := range keys {
		keys[i] = strings.TrimPrefix(keys[i], c.prefix)
	}
	return keys, nil
}

// Get looks up a given object from its key.
func (c *prefixedKVClient) Get(ctx context.Context, key string) (interface{}, error) {
	return c.client.Get(ctx, c.prefix+key)
}

// Delete removes a given object from its key.
func (c *prefixedKVClient) Delete(ctx context.Context, key string) error {
	return c.client.Delete(ctx, c.prefix+key)
}

// Close closes the wrapped client.
func (c *prefixedKVClient) Close() error {
	return Close(c.client)
}
