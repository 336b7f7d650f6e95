package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// cacheTTL bounds how long resolved fields are served without a vault
// round trip. Rotated credentials take effect within this window.
const cacheTTL = 5 * time.Minute

// OnePasswordStore resolves credentials from 1Password using the Connect API.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault holding credential items
type OnePasswordStore struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]cachedFields
}

type cachedFields struct {
	fields    map[string]string
	fetchedAt time.Time
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID
}

// NewOnePasswordStore creates a new 1Password-backed credential store.
func NewOnePasswordStore(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordStore, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "opswatch-server")

	return &OnePasswordStore{
		client:  client,
		vaultID: cfg.VaultID,
		logger:  logger,
		cache:   make(map[string]cachedFields),
	}, nil
}

// Resolve returns the secret fields of the item titled id.
func (s *OnePasswordStore) Resolve(ctx context.Context, id string) (map[string]string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[id]; ok && time.Since(cached.fetchedAt) < cacheTTL {
		s.mu.RUnlock()
		return cached.fields, nil
	}
	s.mu.RUnlock()

	item, err := s.getItem(id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("credential not found: %s", id)
	}

	fields := make(map[string]string)
	for _, f := range item.Fields {
		if f.Label == "" || f.Value == "" {
			continue
		}
		fields[f.Label] = f.Value
	}

	s.mu.Lock()
	s.cache[id] = cachedFields{fields: fields, fetchedAt: time.Now()}
	s.mu.Unlock()

	return fields, nil
}

// Put creates or replaces the item titled id.
func (s *OnePasswordStore) Put(ctx context.Context, id string, fields map[string]string) error {
	item := s.fieldsToItem(id, fields)

	existing, err := s.client.GetItemsByTitle(id, s.vaultID)
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("finding item: %w", err)
	}

	if len(existing) == 0 {
		_, err = s.client.CreateItem(item, s.vaultID)
	} else {
		item.ID = existing[0].ID
		_, err = s.client.UpdateItem(item, s.vaultID)
	}
	if err != nil {
		return fmt.Errorf("saving item: %w", err)
	}

	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()

	s.logger.Info("stored credential in 1Password", "credential", id)
	return nil
}

// List returns the titles of items in the vault.
func (s *OnePasswordStore) List(ctx context.Context) ([]string, error) {
	items, err := s.client.GetItems(s.vaultID)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Title)
	}
	return ids, nil
}

// Close releases any resources.
func (s *OnePasswordStore) Close() error {
	s.mu.Lock()
	s.cache = make(map[string]cachedFields)
	s.mu.Unlock()
	return nil
}

// getItem retrieves the full item titled name, or nil when absent.
func (s *OnePasswordStore) getItem(name string) (*onepassword.Item, error) {
	items, err := s.client.GetItemsByTitle(name, s.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	item, err := s.client.GetItem(items[0].ID, s.vaultID)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return item, nil
}

// fieldsToItem converts a field map to a 1Password item.
func (s *OnePasswordStore) fieldsToItem(id string, fields map[string]string) *onepassword.Item {
	item := &onepassword.Item{
		Title:    id,
		Category: onepassword.ApiCredential,
		Tags:     []string{"opswatch"},
	}
	for label, value := range fields {
		item.Fields = append(item.Fields, &onepassword.ItemField{
			Label: label,
			Value: value,
			Type:  onepassword.FieldTypeConcealed,
		})
	}
	return item
}

// isNotFoundError checks if an error from the Connect API is a 404.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "404") || strings.Contains(msg, "not found")
}
