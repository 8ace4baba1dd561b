package provider

import (
	"context"
	"fmt"
	"time"

	"notifyd/internal/domain"
)

// Directory is the durable provider table. The ranked, filtered candidate
// list and the disabled flag live there so every worker sees the same view.
type Directory interface {
	ListProviders(ctx context.Context, channel domain.Channel, international bool) ([]domain.Provider, error)
	DisableProvider(ctx context.Context, identifier string, now time.Time) error
}

// Registry resolves the provider to use for a send: the durable table
// supplies ranking and eligibility, the in-process client map supplies the
// implementation.
type Registry struct {
	Directory Directory

	clients map[string]Client
	now     func() time.Time
}

func NewRegistry(dir Directory) *Registry {
	return &Registry{
		Directory: dir,
		clients:   make(map[string]Client),
		now:       time.Now,
	}
}

func (r *Registry) Register(c Client) {
	r.clients[c.Identifier()] = c
}

// Client returns the registered client for an identifier, for receipt
// ingestion paths that already know which provider called back.
func (r *Registry) Client(identifier string) (Client, bool) {
	c, ok := r.clients[identifier]
	return c, ok
}

// Select returns the preferred eligible provider for a channel. Candidates
// come back from the directory already filtered to active (and, for
// international sends, supports_international) and ordered by priority with
// insertion order breaking ties, so selection is deterministic.
func (r *Registry) Select(ctx context.Context, channel domain.Channel, international bool) (Client, error) {
	rows, err := r.Directory.ListProviders(ctx, channel, international)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		if international {
			return nil, fmt.Errorf("%w: international %s", domain.ErrNoActiveProvider, channel)
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrNoActiveProvider, channel)
	}

	best := rows[0]
	c, ok := r.clients[best.Identifier]
	if !ok {
		// A row without a client is a deployment error, not a reason to
		// quietly fall through to a lower-priority provider.
		return nil, fmt.Errorf("provider %q is configured but has no client", best.Identifier)
	}
	return c, nil
}

// Disable flips the durable active flag after an unexpected provider error.
// Deliberately blunt: one exception disables the provider until an operator
// re-enables it.
func (r *Registry) Disable(ctx context.Context, identifier string) error {
	return r.Directory.DisableProvider(ctx, identifier, r.now().UTC())
}
