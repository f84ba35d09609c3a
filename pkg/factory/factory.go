// Package factory provides the kind-keyed adapter registry. Each registered kind
// carries its constructor, capability set, credential policy and the translator
// that turns a generic connection descriptor into adapter-specific configuration.
package factory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// CredentialPolicy states whether a kind consults the credential resolver.
type CredentialPolicy int

const (
	// CredentialsNone skips credential resolution entirely.
	CredentialsNone CredentialPolicy = iota
	// CredentialsOptional resolves credentials but tolerates none being found.
	CredentialsOptional
	// CredentialsRequired fails the operation when no credentials are found.
	CredentialsRequired
)

// Options carries process-wide settings used by the translators.
type Options struct {
	ConnectTimeout time.Duration
	RcloneBinary   string
	RcloneConfig   string
	// LocalFs replaces the OS filesystem under local connections when set.
	LocalFs afero.Fs
}

// Translator converts a connection and its credentials into the adapter's
// configuration struct.
type Translator func(conn client.Connection, creds client.Credentials, opts Options) (interface{}, error)

// Builder creates an unconnected adapter from a translated configuration.
type Builder func(config interface{}, opts Options) (client.Client, error)

// Entry describes one backend kind.
type Entry struct {
	Kind         client.Kind
	Capabilities []client.Operation
	Credentials  CredentialPolicy
	Translate    Translator
	Build        Builder
}

// Supports reports whether op is in the entry's capability set.
func (e Entry) Supports(op client.Operation) bool {
	return lo.Contains(e.Capabilities, op)
}

// Registry implements client.Factory over registered entries.
type Registry struct {
	mu       sync.RWMutex
	entries  map[client.Kind]Entry
	opts     Options
	validate *validator.Validate
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		entries:  make(map[client.Kind]Entry),
		opts:     opts,
		validate: validator.New(),
	}
}

// Register adds or replaces the entry for e.Kind.
func (r *Registry) Register(e Entry) error {
	if e.Kind == "" {
		return fmt.Errorf("entry kind is required")
	}
	if e.Build == nil {
		return fmt.Errorf("entry %s has no builder", e.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Kind] = e
	return nil
}

// Lookup returns the entry of a kind, or UnsupportedOperation for unknown kinds.
func (r *Registry) Lookup(kind client.Kind) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	if !ok {
		return Entry{}, remoteerr.Wrap(remoteerr.KindUnsupportedOperation, "lookup", "",
			fmt.Errorf("unsupported backend kind: %s", kind))
	}
	return e, nil
}

// Supports reports whether kind is registered and supports op.
func (r *Registry) Supports(kind client.Kind, op client.Operation) bool {
	e, err := r.Lookup(kind)
	return err == nil && e.Supports(op)
}

// SupportedKinds returns the registered kinds in lexical order.
func (r *Registry) SupportedKinds() []client.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := lo.Keys(r.entries)
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// CreateClient translates, validates and builds an unconnected adapter.
func (r *Registry) CreateClient(conn client.Connection, creds client.Credentials) (client.Client, error) {
	e, err := r.Lookup(conn.Kind)
	if err != nil {
		return nil, err
	}

	var config interface{}
	if e.Translate != nil {
		config, err = e.Translate(conn, creds, r.opts)
		if err != nil {
			return nil, remoteerr.WithContext("connect", conn.ID, err)
		}
		if err := r.validate.Struct(config); err != nil {
			return nil, remoteerr.Wrap(remoteerr.KindUnknown, "connect", conn.ID,
				fmt.Errorf("invalid %s connection %s: %w", conn.Kind, conn.ID, err))
		}
	}

	c, err := e.Build(config, r.opts)
	if err != nil {
		return nil, remoteerr.WithContext("connect", conn.ID, fmt.Errorf("failed to create %s client: %w", conn.Kind, err))
	}
	return c, nil
}
