package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"digital.vasic.nexuscloud/internal/config"
	"digital.vasic.nexuscloud/internal/logging"
	"digital.vasic.nexuscloud/internal/metrics"
	"digital.vasic.nexuscloud/pkg/catalog"
	"digital.vasic.nexuscloud/pkg/credentials"
	"digital.vasic.nexuscloud/pkg/factory"
	"digital.vasic.nexuscloud/pkg/router"
	"digital.vasic.nexuscloud/pkg/staging"
)

// app is everything a command needs, built once per invocation.
type app struct {
	config  *config.Config
	catalog *catalog.File
	router  *router.Router
	staging *staging.Area
	user    string
}

type globalFlags struct {
	configFile string
	user       string
	debug      bool
}

func newRootCommand() *cobra.Command {
	var flags globalFlags
	var a *app

	rootCmd := &cobra.Command{
		Use:   "nexusctl",
		Short: "Unified remote file operations",
		Long: `nexusctl lists, transfers and manages files on the saved connections of a user:
local disks, SFTP, FTP, S3, SMB, NFS, WebDAV and rclone cloud drives.
Paths are written as connection:path, for example server-a:/docs/report.pdf.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "Config file (default: nexus.yaml in ., ./config or ~/.nexus)")
	rootCmd.PersistentFlags().StringVar(&flags.user, "user", "", "User to act as (overrides the user setting)")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")

	load := func() (*app, error) {
		if a != nil {
			return a, nil
		}
		var err error
		a, err = newApp(flags)
		return a, err
	}
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if a != nil {
			a.close()
		}
	}

	rootCmd.AddCommand(
		newConnsCommand(load),
		newLsCommand(load),
		newGetCommand(load),
		newPutCommand(load),
		newMkdirCommand(load),
		newRmCommand(load),
		newTransferCommand(load, true),
		newTransferCommand(load, false),
		newTestCommand(load),
		newTransfersCommand(),
		newServeCommand(load),
	)
	return rootCmd
}

func newApp(flags globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.debug {
		cfg.Log.Level = "debug"
	}
	logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	user := cfg.User
	if flags.user != "" {
		user = flags.user
	}

	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	area, err := staging.New(cfg.ScratchDir)
	if err != nil {
		return nil, err
	}
	registry := factory.NewDefaultRegistry(factory.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		RcloneBinary:   cfg.RcloneBinary,
		RcloneConfig:   cfg.RcloneConfig,
	})

	r := router.New(cat, credentials.NewResolver(cat), registry, area, router.Options{
		ConnectTimeout:   cfg.ConnectTimeout,
		MaxConcurrent:    cfg.Transfer.MaxConcurrent,
		RecordTTL:        cfg.Transfer.RecordTTL,
		Heartbeat:        cfg.Transfer.Heartbeat,
		Logger:           logging.L().Named("router"),
		OnOperation:      metrics.RecordOperation,
		OnTransferStart:  metrics.TransferStarted,
		OnTransferFinish: metrics.TransferFinished,
	})

	return &app{config: cfg, catalog: cat, router: r, staging: area, user: user}, nil
}

// sweepStaging discards leftovers of a previous server in the scratch
// directory. Only serve calls it: other commands may share the directory
// with a running server.
func (a *app) sweepStaging() {
	if n, err := a.staging.Sweep(); err != nil {
		logging.Warn("staging sweep failed", zap.String("dir", a.staging.Dir()), logging.Err(err))
	} else if n > 0 {
		logging.Info("removed stale staging files", zap.String("dir", a.staging.Dir()), zap.Int("count", n))
	}
}

// currentUser returns the acting user or an error telling how to set one.
func (a *app) currentUser() (string, error) {
	if a.user == "" {
		return "", errors.New("no user configured: pass --user or set NEXUS_USER")
	}
	return a.user, nil
}

func (a *app) close() {
	a.router.Close()
	_ = logging.Sync()
}

type loader func() (*app, error)
