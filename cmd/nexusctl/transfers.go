package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"digital.vasic.nexuscloud/internal/api"
	"digital.vasic.nexuscloud/pkg/router"
	"digital.vasic.nexuscloud/pkg/transfer"
)

// newTransferCommand builds mv (isMove) or cp. The command waits for the
// transfer because the process owns it.
func newTransferCommand(load loader, isMove bool) *cobra.Command {
	var conflict string
	use, short := "cp", "Copy a file, or a folder within one connection"
	if isMove {
		use, short = "mv", "Move a file, or a folder within one connection"
	}

	cmd := &cobra.Command{
		Use:   use + " connection:source connection:dest",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			dst, err := parseAddress(args[1])
			if err != nil {
				return err
			}
			policy := transfer.ConflictPolicy(conflict)
			switch policy {
			case transfer.ConflictFail, transfer.ConflictReplace, transfer.ConflictRename:
			default:
				return fmt.Errorf("invalid --conflict %q: use fail, replace or rename", conflict)
			}

			a, err := load()
			if err != nil {
				return err
			}
			user, err := a.currentUser()
			if err != nil {
				return err
			}
			submit := a.router.Copy
			if isMove {
				submit = a.router.Move
			}
			rec, err := submit(cmd.Context(), user, src.endpoint(), dst.endpoint(),
				router.TransferOptions{Conflict: policy, Wait: true})
			if err != nil {
				return err
			}
			if rec.Status != transfer.StatusCompleted {
				return fmt.Errorf("transfer %s %s in phase %s: %s", rec.ID, rec.Status, rec.Phase, rec.ErrorDetail)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s:%s (%s)\n", src, dst.Connection, rec.Dest.Path, humanSize(rec.BytesTransferred))
			return nil
		},
	}
	cmd.Flags().StringVar(&conflict, "conflict", string(transfer.ConflictFail), "When the destination exists: fail, replace or rename")
	return cmd
}

// newTransfersCommand lists the transfers of a running server.
func newTransfersCommand() *cobra.Command {
	var server, token string
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "List transfers on a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("NEXUS_TOKEN")
			}
			records, err := fetchTransfers(&http.Client{Timeout: 30 * time.Second}, server, token)
			if err != nil {
				return err
			}
			renderTransfers(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of the nexus server")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (default: $NEXUS_TOKEN)")
	return cmd
}

func fetchTransfers(hc *http.Client, server, token string) ([]transfer.Record, error) {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(server, "/")+"/api/transfers", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", server, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("server returned %s: %s", apiErr.Kind, apiErr.Error)
		}
		return nil, fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}

	var records []transfer.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode transfers: %w", err)
	}
	return records, nil
}

func renderTransfers(w io.Writer, records []transfer.Record) {
	table := newTable(w, "ID", "Mode", "Source", "Dest", "Status", "Progress", "Error")
	for _, rec := range records {
		mode := "copy"
		if rec.IsMove {
			mode = "move"
		}
		progress := strconv.Itoa(rec.Progress) + "%"
		if !rec.ProgressExact && !rec.Status.Terminal() {
			progress = "~" + progress
		}
		table.Append([]string{
			rec.ID,
			mode,
			rec.Source.ConnectionID + ":" + rec.Source.Path,
			rec.Dest.ConnectionID + ":" + rec.Dest.Path,
			string(rec.Status),
			progress,
			rec.ErrorDetail,
		})
	}
	table.Render()
}
