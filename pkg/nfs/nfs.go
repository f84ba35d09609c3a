// Package nfs implements the storage adapter for NFS exports.
// File operations run through the local adapter rooted at the mount point. When
// Host and Export are configured and the mount point is not yet mounted, Connect
// mounts the export (Linux only) and Disconnect unmounts what it mounted.
package nfs

import (
	"context"
	"fmt"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/local"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// Config contains NFS connection configuration.
type Config struct {
	Host       string `json:"host"`
	Export     string `json:"export"`
	MountPoint string `json:"mount_point" validate:"required"`
	Options    string `json:"options"`
}

// Client implements client.Client for NFS.
type Client struct {
	*local.Client
	config  Config
	mounted bool
}

// NewNFSClient creates a new NFS client.
func NewNFSClient(config Config) (*Client, error) {
	if config.MountPoint == "" {
		return nil, fmt.Errorf("mount point is required")
	}
	return &Client{
		Client: local.NewLocalClient(&local.Config{BasePath: config.MountPoint}),
		config: config,
	}, nil
}

// Connect mounts the export when needed and opens the local session.
func (c *Client) Connect(ctx context.Context) error {
	if c.config.Host != "" && c.config.Export != "" && !isMounted(c.config.MountPoint) {
		if err := mount(c.source(), c.config.MountPoint, c.options()); err != nil {
			return remoteerr.Classify("connect", c.config.MountPoint,
				fmt.Errorf("failed to mount NFS share %s to %s: %w", c.source(), c.config.MountPoint, err))
		}
		c.mounted = true
	}
	return c.Client.Connect(ctx)
}

// Disconnect closes the session and unmounts the export if Connect mounted it.
func (c *Client) Disconnect(ctx context.Context) error {
	if err := c.Client.Disconnect(ctx); err != nil {
		return err
	}
	if c.mounted {
		if err := unmount(c.config.MountPoint); err != nil {
			return fmt.Errorf("failed to unmount NFS share from %s: %w", c.config.MountPoint, err)
		}
		c.mounted = false
	}
	return nil
}

func (c *Client) source() string {
	return fmt.Sprintf("%s:%s", c.config.Host, c.config.Export)
}

func (c *Client) options() string {
	if c.config.Options != "" {
		return c.config.Options
	}
	return "vers=3"
}

// Kind returns the backend kind.
func (c *Client) Kind() client.Kind {
	return client.KindNFS
}

// GetConfig returns the NFS configuration.
func (c *Client) GetConfig() interface{} {
	return &c.config
}
