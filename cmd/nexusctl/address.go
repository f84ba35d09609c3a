package main

import (
	"fmt"
	"strings"
	"time"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/transfer"
)

// address is a connection:path argument.
type address struct {
	Connection string
	Path       string
}

func (a address) endpoint() transfer.Endpoint {
	return transfer.Endpoint{ConnectionID: a.Connection, Path: a.Path}
}

func (a address) String() string {
	return a.Connection + ":" + a.Path
}

// parseAddress splits "conn:path". An empty path is the connection root.
func parseAddress(arg string) (address, error) {
	conn, p, ok := strings.Cut(arg, ":")
	if !ok || conn == "" {
		return address{}, fmt.Errorf("invalid address %q: expected connection:path", arg)
	}
	return address{Connection: conn, Path: client.CleanPath(p)}, nil
}

// humanSize formats a byte count with binary units.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
