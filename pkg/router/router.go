// Package router is the single entry point for file operations. It resolves a
// connection descriptor and its credentials, checks the kind's capability set,
// opens one adapter session per call and hands moves and copies to the
// transfer manager.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/credentials"
	"digital.vasic.nexuscloud/pkg/factory"
	"digital.vasic.nexuscloud/pkg/remoteerr"
	"digital.vasic.nexuscloud/pkg/staging"
	"digital.vasic.nexuscloud/pkg/transfer"
)

// DefaultConnectTimeout bounds the session handshake.
const DefaultConnectTimeout = 15 * time.Second

// Connections looks up connection descriptors for a user.
type Connections interface {
	Get(ctx context.Context, userID, connectionID string) (client.Connection, error)
}

// Options configures a Router.
type Options struct {
	ConnectTimeout time.Duration
	MaxConcurrent  int
	RecordTTL      time.Duration
	Heartbeat      time.Duration
	Logger         *zap.Logger
	// OnOperation observes every adapter-level operation, for metrics.
	OnOperation func(kind client.Kind, op client.Operation, d time.Duration, err error)
	// OnTransferStart and OnTransferFinish observe the transfer manager.
	OnTransferStart  func(transfer.Record)
	OnTransferFinish func(transfer.Record)
}

// Router dispatches operations to adapters and the transfer manager.
type Router struct {
	connections    Connections
	resolver       *credentials.Resolver
	registry       *factory.Registry
	staging        *staging.Area
	manager        *transfer.Manager
	connectTimeout time.Duration
	logger         *zap.Logger
	onOperation    func(client.Kind, client.Operation, time.Duration, error)
}

var _ transfer.Opener = (*Router)(nil)

// New creates a router and its transfer manager.
func New(connections Connections, resolver *credentials.Resolver, registry *factory.Registry, area *staging.Area, opts Options) *Router {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = credentials.NewResolver(nil)
	}

	r := &Router{
		connections:    connections,
		resolver:       resolver,
		registry:       registry,
		staging:        area,
		connectTimeout: opts.ConnectTimeout,
		logger:         logger,
		onOperation:    opts.OnOperation,
	}
	pipeline := transfer.NewPipeline(r, area,
		transfer.WithLogger(logger.Named("transfer")),
		transfer.WithHeartbeat(opts.Heartbeat))
	r.manager = transfer.NewManager(pipeline, transfer.ManagerConfig{
		MaxConcurrent: opts.MaxConcurrent,
		RecordTTL:     opts.RecordTTL,
		Logger:        logger.Named("transfer"),
		OnStart:       opts.OnTransferStart,
		OnFinish:      opts.OnTransferFinish,
	})
	return r
}

// Transfers returns the transfer manager.
func (r *Router) Transfers() *transfer.Manager {
	return r.manager
}

// Close cancels running transfers and waits for them to settle.
func (r *Router) Close() {
	r.manager.Close()
}

// Connection implements transfer.Opener.
func (r *Router) Connection(ctx context.Context, userID, connectionID string) (client.Connection, error) {
	if userID == "" {
		return client.Connection{}, remoteerr.Wrap(remoteerr.KindAuthenticationFailed, "resolve", connectionID,
			errors.New("no current user"))
	}
	conn, err := r.connections.Get(ctx, userID, connectionID)
	if err != nil {
		return client.Connection{}, remoteerr.WithContext("resolve", connectionID, err)
	}
	return conn, nil
}

// Supports implements transfer.Opener.
func (r *Router) Supports(kind client.Kind, op client.Operation) bool {
	return r.registry.Supports(kind, op)
}

// Open implements transfer.Opener. The returned session is connected.
func (r *Router) Open(ctx context.Context, userID string, conn client.Connection, explicit *client.Credentials) (client.Client, error) {
	entry, err := r.registry.Lookup(conn.Kind)
	if err != nil {
		return nil, err
	}

	var creds client.Credentials
	if entry.Credentials != factory.CredentialsNone {
		creds, err = r.resolver.Resolve(ctx, userID, conn.ID, explicit)
		switch {
		case err == nil:
		case entry.Credentials == factory.CredentialsOptional && errors.Is(err, remoteerr.ErrNotFound):
			creds = client.Credentials{}
		default:
			return nil, err
		}
	}

	c, err := r.registry.CreateClient(conn, creds)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()
	if err := c.Connect(connectCtx); err != nil {
		if connectCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, remoteerr.Wrap(remoteerr.KindTimeout, "connect", conn.ID,
				fmt.Errorf("connection %s did not answer within %s: %w", conn.Name, r.connectTimeout, err))
		}
		return nil, remoteerr.Classify("connect", conn.ID, err)
	}
	return c, nil
}

// session is one opened adapter with its descriptor.
type session struct {
	conn   client.Connection
	client client.Client
}

// withSession resolves the connection, fails fast on a missing capability and
// runs fn against a fresh session that is closed afterwards.
func (r *Router) withSession(ctx context.Context, userID, connectionID string, op client.Operation, p string,
	explicit *client.Credentials, fn func(s *session) error) error {
	conn, err := r.Connection(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	if !r.registry.Supports(conn.Kind, op) {
		return remoteerr.Unsupported(string(op), string(conn.Kind))
	}

	start := time.Now()
	err = r.run(ctx, userID, conn, explicit, fn)
	if r.onOperation != nil {
		r.onOperation(conn.Kind, op, time.Since(start), err)
	}
	if err != nil {
		r.logger.Debug("operation failed",
			zap.String("op", string(op)),
			zap.String("connection", conn.ID),
			zap.String("kind", string(conn.Kind)),
			zap.String("path", p),
			zap.Error(err))
		return remoteerr.WithContext(string(op), p, err)
	}
	return nil
}

func (r *Router) run(ctx context.Context, userID string, conn client.Connection, explicit *client.Credentials, fn func(s *session) error) error {
	c, err := r.Open(ctx, userID, conn, explicit)
	if err != nil {
		return err
	}
	defer r.disconnect(conn, c)
	return fn(&session{conn: conn, client: c})
}

func (r *Router) disconnect(conn client.Connection, c client.Client) {
	if err := c.Disconnect(context.Background()); err != nil {
		r.logger.Debug("disconnect failed", zap.String("connection", conn.ID), zap.Error(err))
	}
}

// List returns the normalized listing of a directory.
func (r *Router) List(ctx context.Context, userID, connectionID, p string, creds *client.Credentials) ([]*client.FileEntry, error) {
	var entries []*client.FileEntry
	err := r.withSession(ctx, userID, connectionID, client.OpList, p, creds, func(s *session) error {
		var err error
		entries, err = s.client.List(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return client.Normalize(entries), nil
}

// Stat returns the entry at p.
func (r *Router) Stat(ctx context.Context, userID, connectionID, p string, creds *client.Credentials) (*client.FileEntry, error) {
	var entry *client.FileEntry
	err := r.withSession(ctx, userID, connectionID, client.OpList, p, creds, func(s *session) error {
		var err error
		entry, err = s.client.GetFileInfo(ctx, p)
		return err
	})
	return entry, err
}

// Mkdir creates a directory.
func (r *Router) Mkdir(ctx context.Context, userID, connectionID, p string, creds *client.Credentials) error {
	return r.withSession(ctx, userID, connectionID, client.OpMkdir, p, creds, func(s *session) error {
		return s.client.CreateDirectory(ctx, p)
	})
}

// Delete removes a file, or a directory tree when isDir is set.
func (r *Router) Delete(ctx context.Context, userID, connectionID, p string, isDir bool, creds *client.Credentials) error {
	if client.CleanPath(p) == "/" {
		return remoteerr.Wrap(remoteerr.KindPermissionDenied, string(client.OpDelete), p,
			errors.New("refusing to delete the root directory"))
	}
	return r.withSession(ctx, userID, connectionID, client.OpDelete, p, creds, func(s *session) error {
		if isDir {
			return s.client.DeleteDirectory(ctx, p)
		}
		return s.client.DeleteFile(ctx, p)
	})
}

// Rename renames an entry within one connection.
func (r *Router) Rename(ctx context.Context, userID, connectionID, from, to string, creds *client.Credentials) error {
	return r.withSession(ctx, userID, connectionID, client.OpRename, from, creds, func(s *session) error {
		return s.client.Rename(ctx, from, to)
	})
}

// TestConnection opens a session on a saved connection and probes it. The
// returned duration covers the handshake and the probe.
func (r *Router) TestConnection(ctx context.Context, userID, connectionID string, creds *client.Credentials) (time.Duration, error) {
	start := time.Now()
	err := r.withSession(ctx, userID, connectionID, client.OpTest, "/", creds, func(s *session) error {
		return s.client.TestConnection(ctx)
	})
	return time.Since(start), err
}

// TestDescriptor probes a connection that has not been saved yet, using only
// the credentials supplied with the request.
func (r *Router) TestDescriptor(ctx context.Context, userID string, conn client.Connection, creds *client.Credentials) (time.Duration, error) {
	if !r.registry.Supports(conn.Kind, client.OpTest) {
		return 0, remoteerr.Unsupported(string(client.OpTest), string(conn.Kind))
	}
	start := time.Now()
	c, err := r.Open(ctx, userID, conn, creds)
	if err != nil {
		return time.Since(start), remoteerr.WithContext(string(client.OpTest), "/", err)
	}
	defer r.disconnect(conn, c)
	err = c.TestConnection(ctx)
	return time.Since(start), remoteerr.WithContext(string(client.OpTest), "/", err)
}
