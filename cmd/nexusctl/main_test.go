package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital.vasic.nexuscloud/pkg/staging"
	"digital.vasic.nexuscloud/pkg/transfer"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		arg     string
		want    address
		wantErr bool
	}{
		{arg: "server-a:/docs/report.pdf", want: address{Connection: "server-a", Path: "/docs/report.pdf"}},
		{arg: "server-a:", want: address{Connection: "server-a", Path: "/"}},
		{arg: "nas:docs/../x.txt", want: address{Connection: "nas", Path: "/x.txt"}},
		{arg: "s3:/bucket/a:b.txt", want: address{Connection: "s3", Path: "/bucket/a:b.txt"}},
		{arg: "/no/connection", wantErr: true},
		{arg: ":/root", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := parseAddress(tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "0 B", humanSize(0))
	assert.Equal(t, "1023 B", humanSize(1023))
	assert.Equal(t, "1.0 KiB", humanSize(1024))
	assert.Equal(t, "1.5 MiB", humanSize(3<<19))
}

type cliFixture struct {
	configFile string
	disk       string
	backup     string
	scratch    string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	dir := t.TempDir()
	f := &cliFixture{
		configFile: filepath.Join(dir, "nexus.yaml"),
		disk:       filepath.Join(dir, "disk"),
		backup:     filepath.Join(dir, "backup"),
		scratch:    filepath.Join(dir, "staging"),
	}
	require.NoError(t, os.MkdirAll(f.disk, 0755))
	require.NoError(t, os.MkdirAll(f.backup, 0755))

	catalogFile := filepath.Join(dir, "connections.yaml")
	catalogYAML := fmt.Sprintf(`users:
  u1:
    connections:
      - id: disk
        name: Disk
        kind: local
        mount_point: %s
      - id: backup
        name: Backup
        kind: local
        mount_point: %s
`, f.disk, f.backup)
	require.NoError(t, os.WriteFile(catalogFile, []byte(catalogYAML), 0600))

	configYAML := fmt.Sprintf(`scratch_dir: %s
catalog_path: %s
user: u1
log:
  level: error
`, f.scratch, catalogFile)
	require.NoError(t, os.WriteFile(f.configFile, []byte(configYAML), 0600))
	return f
}

func (f *cliFixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", f.configFile}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_FileCommands(t *testing.T) {
	f := newCLIFixture(t)
	local := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0644))

	_, err := f.run(t, "mkdir", "disk:/docs")
	require.NoError(t, err)

	out, err := f.run(t, "put", local, "disk:/docs/notes.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "disk:/docs/notes.txt")

	out, err = f.run(t, "ls", "disk:/docs")
	require.NoError(t, err)
	assert.Contains(t, out, "notes.txt")
	assert.Contains(t, out, "5 B")

	out, err = f.run(t, "conns")
	require.NoError(t, err)
	assert.Contains(t, out, "backup")

	target := t.TempDir()
	_, err = f.run(t, "get", "disk:/docs/notes.txt", target)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(target, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	out, err = f.run(t, "mv", "disk:/docs/notes.txt", "backup:/notes.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "backup:/notes.txt")
	assert.NoFileExists(t, filepath.Join(f.disk, "docs", "notes.txt"))
	assert.FileExists(t, filepath.Join(f.backup, "notes.txt"))

	_, err = f.run(t, "rm", "-r", "disk:/docs")
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(f.disk, "docs"))

	out, err = f.run(t, "test", "backup")
	require.NoError(t, err)
	assert.Contains(t, out, "backup: ok")
}

func TestCLI_Errors(t *testing.T) {
	f := newCLIFixture(t)

	_, err := f.run(t, "ls", "missing:/")
	assert.Error(t, err)

	_, err = f.run(t, "ls", "no-colon")
	assert.Error(t, err)

	_, err = f.run(t, "cp", "disk:/a", "backup:/a", "--conflict", "merge")
	assert.ErrorContains(t, err, "--conflict")

	_, err = f.run(t, "--user", "nobody", "ls", "disk:/")
	assert.Error(t, err, "connections are scoped to their user")
}

func TestCLI_CommandsKeepStagingEntries(t *testing.T) {
	f := newCLIFixture(t)
	require.NoError(t, os.MkdirAll(f.scratch, 0700))
	live := filepath.Join(f.scratch, staging.Prefix+"live-report.pdf")
	require.NoError(t, os.WriteFile(live, []byte("in flight"), 0600))

	_, err := f.run(t, "ls", "disk:/")
	require.NoError(t, err)
	assert.FileExists(t, live)

	a, err := newApp(globalFlags{configFile: f.configFile})
	require.NoError(t, err)
	defer a.close()
	a.sweepStaging()
	assert.NoFileExists(t, live)
}

func TestFetchTransfers(t *testing.T) {
	records := []transfer.Record{{
		ID:       "t1",
		IsMove:   true,
		Source:   transfer.Endpoint{ConnectionID: "a", Path: "/x"},
		Dest:     transfer.Endpoint{ConnectionID: "b", Path: "/x"},
		Status:   transfer.StatusInProgress,
		Progress: 40,
	}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"kind":"AuthenticationFailed","error":"missing authentication token"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(records)
	}))
	defer srv.Close()

	got, err := fetchTransfers(srv.Client(), srv.URL+"/", "tok")
	require.NoError(t, err)
	require.Len(t, got, 1)

	var out bytes.Buffer
	renderTransfers(&out, got)
	assert.Contains(t, out.String(), "a:/x")
	assert.Contains(t, out.String(), "~40%")

	_, err = fetchTransfers(srv.Client(), srv.URL, "")
	assert.ErrorContains(t, err, "missing authentication token")
}
