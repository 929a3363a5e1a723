package kvstore

import (
	"context"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Valkey is a cross-process Store backed by a Valkey client, selectable
// via config for deployments that share dedup state across dispatcher
// processes.
//
// Adapted from the teacher's state.ValkeyManager SaveCache/LoadCache
// pair: the SET-with-EX/GET shape is unchanged, generalized from the
// teacher's "provider:region:model" cache key to an opaque key the dedup
// cache supplies.
type Valkey struct {
	client valkey.Client
}

// NewValkey wraps an existing Valkey client as a Store.
func NewValkey(client valkey.Client) *Valkey {
	return &Valkey{client: client}
}

// Put stores value under key with the given expiry.
func (v *Valkey) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cmd := v.client.B().Set().Key(key).Value(valkey.BinaryString(value))
	if ttl > 0 {
		return v.client.Do(ctx, cmd.Ex(ttl).Build()).Error()
	}
	return v.client.Do(ctx, cmd.Build()).Error()
}

// Get returns the value for key, or (nil, false, nil) if absent.
func (v *Valkey) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp := v.client.Do(ctx, v.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	value, err := resp.AsBytes()
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}
