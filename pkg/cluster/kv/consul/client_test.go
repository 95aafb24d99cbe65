package consul

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/go-kit/log"
	consul "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/streamforge/pkg/cluster/kv/codec"
)

func TestCASCreatesMissingKey(t *testing.T) {
	c := NewInMemoryClient(codec.String{}, log.NewNopLogger())
	ctx := context.Background()

	var seen interface{} = "not-called"
	err := c.CAS(ctx, "key", func(in interface{}) (interface{}, bool, error) {
		seen = in
		return "value", true, nil
	})
	require.NoError(t, err)
	assert.Nil(t, seen)

	v, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}

func TestCASNilOutputDoesNotWrite(t *testing.T) {
	c := NewInMemoryClient(codec.String{}, log.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, c.CAS(ctx, "key", func(in interface{}) (interface{}, bool, error) {
		return nil, false, nil
	}))

	v, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestCASCallbackError(t *testing.T) {
	c := NewInMemoryClient(codec.String{}, log.NewNopLogger())

	calls := 0
	err := c.CAS(context.Background(), "key", func(in interface{}) (interface{}, bool, error) {
		calls++
		return nil, false, fmt.Errorf("boom")
	})
	require.EqualError(t, err, "boom")
	assert.Equal(t, 1, calls)

	calls = 0
	err = c.CAS(context.Background(), "key", func(in interface{}) (interface{}, bool, error) {
		calls++
		return nil, true, fmt.Errorf("boom")
	})
	require.ErrorIs(t, err, ErrCASRetriesExhausted)
	assert.Equal(t, defaultMaxCasRetries, calls)
}

func TestCASConflictIsRetried(t *testing.T) {
	c := NewInMemoryClient(codec.String{}, log.NewNopLogger())
	ctx := context.Background()
	_, _ = c.kv.Put(&consul.KVPair{Key: "key", Value: []byte("0")}, nil)

	attempts := 0
	err := c.CAS(ctx, "key", func(in interface{}) (interface{}, bool, error) {
		attempts++
		if attempts == 1 {
			// Sneak in a concurrent write so the first swap conflicts.
			_, _ = c.kv.Put(&consul.KVPair{Key: "key", Value: []byte("5")}, nil)
		}
		n, err := strconv.Atoi(in.(string))
		if err != nil {
			return nil, false, err
		}
		return strconv.Itoa(n + 1), true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	v, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "6", v)
}

func TestConcurrentCAS(t *testing.T) {
	c := NewInMemoryClientWithConfig(codec.String{}, Config{MaxCasRetries: 1000}, log.NewNopLogger())
	ctx := context.Background()

	const workers, increments = 8, 25
	wg := sync.WaitGroup{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				err := c.CAS(ctx, "counter", func(in interface{}) (interface{}, bool, error) {
					n := 0
					if in != nil {
						n, _ = strconv.Atoi(in.(string))
					}
					return strconv.Itoa(n + 1), true, nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	v, err := c.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers*increments), v)
}

func TestListAndDelete(t *testing.T) {
	c := NewInMemoryClient(codec.String{}, log.NewNopLogger())
	ctx := context.Background()

	for _, k := range []string{"a/2", "a/1", "b/1"} {
		_, _ = c.kv.Put(&consul.KVPair{Key: k, Value: []byte(k)}, nil)
	}

	keys, err := c.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)

	require.NoError(t, c.Delete(ctx, "a/1"))
	require.NoError(t, c.Delete(ctx, "missing"))

	keys, err = c.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/2"}, keys)
}

var errUnreachable = errors.New("consul unreachable")

// brokenKV fails every read.
type brokenKV struct {
	kv
}

func (brokenKV) Get(string, *consul.QueryOptions) (*consul.KVPair, *consul.QueryMeta, error) {
	return nil, nil, errUnreachable
}

func TestCASKeepsLastError(t *testing.T) {
	c := NewInMemoryClient(codec.String{}, log.NewNopLogger())
	c.kv = brokenKV{kv: c.kv}

	calls := 0
	err := c.CAS(context.Background(), "key", func(in interface{}) (interface{}, bool, error) {
		calls++
		return "value", true, nil
	})
	require.ErrorIs(t, err, ErrCASRetriesExhausted)
	require.ErrorIs(t, err, errUnreachable)
	assert.Contains(t, err.Error(), "key key")
	assert.Zero(t, calls)
}
