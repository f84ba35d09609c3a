// Package credentials resolves the transport secrets used for one adapter
// session. Credentials supplied with a request take precedence over stored
// ones, field by field; the resolver never writes anything.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// Store is the read side of the credential store collaborator. Implementations
// return an error matching remoteerr.ErrNotFound when nothing is stored.
type Store interface {
	GetCredentials(ctx context.Context, userID, connectionID string) (client.Credentials, error)
}

// Resolver applies the explicit > stored precedence rule.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver over store. A nil store behaves as empty.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the credentials for one user and connection. Explicit values
// override stored values field by field; explicit credentials alone are accepted
// so unsaved credentials can be tested. With neither, the error is NotFound.
func (r *Resolver) Resolve(ctx context.Context, userID, connectionID string, explicit *client.Credentials) (client.Credentials, error) {
	var stored client.Credentials
	found := false

	if r.store != nil {
		creds, err := r.store.GetCredentials(ctx, userID, connectionID)
		switch {
		case err == nil:
			stored, found = creds, true
		case errors.Is(err, remoteerr.ErrNotFound):
		default:
			return client.Credentials{}, remoteerr.WithContext("resolve-credentials", connectionID,
				fmt.Errorf("failed to read stored credentials: %w", err))
		}
	}

	if explicit != nil && !explicit.IsZero() {
		return Merge(stored, *explicit), nil
	}
	if found {
		return stored, nil
	}
	return client.Credentials{}, remoteerr.Wrap(remoteerr.KindNotFound, "resolve-credentials", connectionID,
		fmt.Errorf("no credentials for connection %s", connectionID))
}

// Merge overlays the non-zero fields of explicit onto stored.
func Merge(stored, explicit client.Credentials) client.Credentials {
	out := stored
	if explicit.Username != "" {
		out.Username = explicit.Username
	}
	if explicit.Password != "" {
		out.Password = explicit.Password
	}
	if explicit.PrivateKey != "" {
		out.PrivateKey = explicit.PrivateKey
	}
	if explicit.Port > 0 {
		out.Port = explicit.Port
	}
	if explicit.Secure != nil {
		secure := *explicit.Secure
		out.Secure = &secure
	}
	return out
}
