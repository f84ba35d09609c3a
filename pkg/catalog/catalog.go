// Package catalog holds the user-scoped connection descriptors and the stored
// credentials attached to them.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// Catalog is the connection management collaborator used by the router.
type Catalog interface {
	Get(ctx context.Context, userID, connectionID string) (client.Connection, error)
	List(ctx context.Context, userID string) ([]client.Connection, error)
	Save(ctx context.Context, userID string, conn client.Connection) (client.Connection, error)
	Delete(ctx context.Context, userID, connectionID string) error
	GetCredentials(ctx context.Context, userID, connectionID string) (client.Credentials, error)
}

// userData is everything stored for one user.
type userData struct {
	Connections []client.Connection           `yaml:"connections"`
	Credentials map[string]client.Credentials `yaml:"credentials,omitempty"`
}

// Memory is an in-memory Catalog.
type Memory struct {
	mu    sync.RWMutex
	users map[string]*userData
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]*userData)}
}

func (m *Memory) user(userID string) *userData {
	u, ok := m.users[userID]
	if !ok {
		u = &userData{Credentials: make(map[string]client.Credentials)}
		m.users[userID] = u
	}
	return u
}

func notFound(connectionID string) error {
	return remoteerr.Wrap(remoteerr.KindNotFound, "catalog", connectionID,
		fmt.Errorf("connection %s not found", connectionID))
}

// Get returns one connection of the user.
func (m *Memory) Get(_ context.Context, userID, connectionID string) (client.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[userID]; ok {
		for _, c := range u.Connections {
			if c.ID == connectionID {
				return c, nil
			}
		}
	}
	return client.Connection{}, notFound(connectionID)
}

// List returns the user's connections ordered by name.
func (m *Memory) List(_ context.Context, userID string) ([]client.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return []client.Connection{}, nil
	}
	out := append([]client.Connection(nil), u.Connections...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Save creates or updates a connection. A connection without ID gets a new one.
// Changing the kind of an existing connection is a conflict.
func (m *Memory) Save(_ context.Context, userID string, conn client.Connection) (client.Connection, error) {
	if conn.Kind == "" {
		return client.Connection{}, remoteerr.Wrap(remoteerr.KindUnknown, "catalog", conn.ID,
			fmt.Errorf("connection kind is required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(userID, conn)
}

func (m *Memory) saveLocked(userID string, conn client.Connection) (client.Connection, error) {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	u := m.user(userID)
	for i, existing := range u.Connections {
		if existing.ID != conn.ID {
			continue
		}
		if existing.Kind != conn.Kind {
			return client.Connection{}, remoteerr.Wrap(remoteerr.KindConflict, "catalog", conn.ID,
				fmt.Errorf("connection %s is %s and cannot become %s", conn.ID, existing.Kind, conn.Kind))
		}
		u.Connections[i] = conn
		return conn, nil
	}
	u.Connections = append(u.Connections, conn)
	return conn, nil
}

// Delete removes a connection together with its stored credentials.
func (m *Memory) Delete(_ context.Context, userID, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(userID, connectionID)
}

func (m *Memory) deleteLocked(userID, connectionID string) error {
	u, ok := m.users[userID]
	if !ok {
		return notFound(connectionID)
	}
	for i, c := range u.Connections {
		if c.ID == connectionID {
			u.Connections = append(u.Connections[:i], u.Connections[i+1:]...)
			delete(u.Credentials, connectionID)
			return nil
		}
	}
	return notFound(connectionID)
}

// GetCredentials returns the stored credentials of one connection.
func (m *Memory) GetCredentials(_ context.Context, userID, connectionID string) (client.Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[userID]; ok {
		if creds, ok := u.Credentials[connectionID]; ok {
			return creds, nil
		}
	}
	return client.Credentials{}, remoteerr.Wrap(remoteerr.KindNotFound, "get-credentials", connectionID,
		fmt.Errorf("no stored credentials for %s", connectionID))
}

// SetCredentials stores credentials for an existing connection.
func (m *Memory) SetCredentials(userID, connectionID string, creds client.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return notFound(connectionID)
	}
	for _, c := range u.Connections {
		if c.ID == connectionID {
			u.Credentials[connectionID] = creds
			return nil
		}
	}
	return notFound(connectionID)
}
