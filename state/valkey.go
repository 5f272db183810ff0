package state

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/valkey-io/valkey-go"
)

type ValkeyManager struct {
	client valkey.Client

	// Prepended to every identity key. E.g., "prod:"
	prefix string

	// Zero keeps records until they are deleted by the store's owner.
	ttl time.Duration

	clock clock.Clock
}

func NewValkeyManager(client valkey.Client, prefix string, ttl time.Duration) *ValkeyManager {
	return newValkeyManagerWithClock(client, prefix, ttl, clock.New())
}

func newValkeyManagerWithClock(client valkey.Client, prefix string, ttl time.Duration, clk clock.Clock) *ValkeyManager {
	return &ValkeyManager{client: client, prefix: prefix, ttl: ttl, clock: clk}
}

func (r *ValkeyManager) GetByIdentity(ctx context.Context, key string) (*Record, error) {
	valkeyResponse := r.client.Do(ctx, r.client.B().Get().Key(r.prefix+key).Build())
	if err := valkeyResponse.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}

	value, err := valkeyResponse.AsBytes()
	if err != nil {
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode identity record %s: %v", key, err)
	}
	if record.ImageRef == "" {
		return nil, fmt.Errorf("identity record %s has no image reference", key)
	}
	return &record, nil
}

func (r *ValkeyManager) PutByIdentity(ctx context.Context, key string, imageRef string) error {
	if imageRef == "" {
		return fmt.Errorf("image reference is required")
	}

	value, err := json.Marshal(Record{ImageRef: imageRef, CreatedAt: r.clock.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode identity record: %v", err)
	}

	set := r.client.B().Set().Key(r.prefix + key).Value(valkey.BinaryString(value))
	if r.ttl > 0 {
		return r.client.Do(ctx, set.Ex(r.ttl).Build()).Error()
	}
	return r.client.Do(ctx, set.Build()).Error()
}
