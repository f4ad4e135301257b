package settings

import (
	"context"
	"errors"
	"fmt"

	"coursechat/internal/crypto"
	"coursechat/internal/storage"
)

// StoreBackend serves site config and instances from storage, opening sealed API keys.
type StoreBackend struct {
	store   *storage.Store
	keyring *crypto.Keyring
}

func NewStoreBackend(store *storage.Store, keyring *crypto.Keyring) *StoreBackend {
	return &StoreBackend{store: store, keyring: keyring}
}

var (
	_ Provider       = (*StoreBackend)(nil)
	_ InstanceSource = (*StoreBackend)(nil)
)

func (b *StoreBackend) Value(ctx context.Context, key string) (string, error) {
	return b.store.GetConfig(ctx, key)
}

func (b *StoreBackend) Instance(ctx context.Context, id int64) (Instance, error) {
	in, err := b.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Instance{}, fmt.Errorf("%w: %d", ErrInstanceNotFound, id)
		}
		return Instance{}, err
	}
	out := Instance{
		ID:           in.ID,
		Type:         in.Type,
		PersistConvo: in.PersistConvo,
		Values:       in.Settings,
	}
	if in.EncAPIKey != nil {
		key, err := b.keyring.Open(*in.EncAPIKey)
		if err != nil {
			return Instance{}, fmt.Errorf("open instance api key: %w", err)
		}
		out.APIKey = key
	}
	return out, nil
}
