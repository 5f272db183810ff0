package state

import (
	"context"
	"time"
)

// Record is what the durable store keeps per identity key.
type Record struct {
	ImageRef  string    `json:"image_ref"`
	CreatedAt time.Time `json:"created_at"`
}

type IdentityStore interface {
	// Returns nil without an error when nothing is stored for the key.
	GetByIdentity(ctx context.Context, key string) (*Record, error)

	PutByIdentity(ctx context.Context, key string, imageRef string) error
}

type BlobStore interface {
	// Stores data under a category and returns a reference that can be
	// handed to clients. E.g., "file:///var/lib/outfits/outfits/3f2a-look.jpg"
	UploadBlob(ctx context.Context, category string, data []byte, name string) (string, error)
}
