package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"digital.vasic.nexuscloud/pkg/client"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

func renderEntries(w io.Writer, entries []*client.FileEntry) {
	table := newTable(w, "Name", "Type", "Size", "Modified")
	for _, e := range entries {
		size := humanSize(e.Size)
		if e.IsDir() {
			size = "-"
		}
		table.Append([]string{e.Name, string(e.Type), size, formatTime(e.ModTime)})
	}
	table.Render()
}

func newConnsCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "conns",
		Short: "List saved connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			user, err := a.currentUser()
			if err != nil {
				return err
			}
			conns, err := a.catalog.List(cmd.Context(), user)
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), "ID", "Name", "Kind", "Host")
			for _, c := range conns {
				host := c.Host
				if c.Port > 0 {
					host += ":" + strconv.Itoa(c.Port)
				}
				table.Append([]string{c.ID, c.Name, string(c.Kind), host})
			}
			table.Render()
			return nil
		},
	}
}

func newLsCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "ls connection:path",
		Short: "List a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			a, err := load()
			if err != nil {
				return err
			}
			user, err := a.currentUser()
			if err != nil {
				return err
			}
			entries, err := a.router.List(cmd.Context(), user, addr.Connection, addr.Path, nil)
			if err != nil {
				return err
			}
			renderEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
}

func newGetCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "get connection:path [local-path]",
		Short: "Download a file, or a folder as a zip archive",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			a, err := load()
			if err != nil {
				return err
			}
			user, err := a.currentUser()
			if err != nil {
				return err
			}
			dl, err := a.router.Download(cmd.Context(), user, addr.Connection, addr.Path, nil)
			if err != nil {
				return err
			}
			defer dl.Close()

			target := dl.Name
			if len(args) == 2 {
				target = args[1]
				if info, err := os.Stat(target); err == nil && info.IsDir() {
					target = filepath.Join(target, dl.Name)
				}
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			n, err := io.Copy(f, dl)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(target)
				return fmt.Errorf("failed to write %s: %w", target, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", addr, target, humanSize(n))
			return nil
		},
	}
}

func newPutCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "put local-file connection:path",
		Short: "Upload a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[1])
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", args[0], err)
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", args[0])
			}

			a, err := load()
			if err != nil {
				return err
			}
			user, err := a.currentUser()
			if err != nil {
				return err
			}
			if err := a.router.Upload(cmd.Context(), user, addr.Connection, addr.Path, f, info.Size(), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", args[0], addr, humanSize(info.Size()))
			return nil
		},
	}
}

func newMkdirCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir connection:path",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			a, err := load()
			if err != nil {
				return err
			}
			user, err := a.currentUser()
			if err != nil {
				return err
			}
			return a.router.Mkdir(cmd.Context(), user, addr.Connection, addr.Path, nil)
		},
	}
}

func newRmCommand(load loader) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm connection:path",
		Short: "Delete a file, or a directory tree with -r",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			a, err := load()
			if err != nil {
				return err
			}
			user, err := a.currentUser()
			if err != nil {
				return err
			}
			return a.router.Delete(cmd.Context(), user, addr.Connection, addr.Path, recursive, nil)
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Delete a directory and its contents")
	return cmd
}

func newTestCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "test connection",
		Short: "Open a session and check a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			user, err := a.currentUser()
			if err != nil {
				return err
			}
			d, err := a.router.TestConnection(cmd.Context(), user, args[0], nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d ms)\n", args[0], d.Milliseconds())
			return nil
		},
	}
}
