// Package secrets provides secure storage for plugin credentials.
//
// This package defines a CredentialStore interface for resolving the
// credential references carried in task configs. The primary implementation
// uses 1Password Connect for production environments, with an encrypted
// local file fallback for development.
package secrets

import (
	"context"
	"time"
)

// Credential is a named bundle of secret fields, e.g. an API key and token
// for one external provider.
type Credential struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Fields    map[string]string `json:"-"` // never serialized to JSON
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CredentialStore provides secure storage and retrieval of credentials.
type CredentialStore interface {
	// Resolve returns the secret fields of the named credential. Returns
	// an error if the credential does not exist.
	Resolve(ctx context.Context, id string) (map[string]string, error)

	// Put creates or replaces a credential's fields.
	Put(ctx context.Context, id string, fields map[string]string) error

	// List returns the ids of stored credentials, without field values.
	List(ctx context.Context) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}
