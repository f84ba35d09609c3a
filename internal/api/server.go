// Package api exposes the router and the transfer manager over HTTP for the
// file explorer and the connection management screens.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"digital.vasic.nexuscloud/internal/metrics"
	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
	"digital.vasic.nexuscloud/pkg/router"
	"digital.vasic.nexuscloud/pkg/transfer"
)

// sniffLen is how much of a download is inspected when the backend gave no
// useful content type.
const sniffLen = 3072

// Connections lists the saved connections of a user.
type Connections interface {
	List(ctx context.Context, userID string) ([]client.Connection, error)
}

// Server is the HTTP API.
type Server struct {
	router      *router.Router
	connections Connections
	auth        *Auth
	logger      *zap.Logger
}

// NewServer creates a new server.
func NewServer(r *router.Router, connections Connections, auth *Auth, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{router: r, connections: connections, auth: auth, logger: logger}
}

// Handler returns the routed, authenticated HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(metrics.Middleware)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.auth.Middleware)

	api.HandleFunc("/connections", s.handleListConnections).Methods(http.MethodGet)
	api.HandleFunc("/connections/test", s.handleTestDescriptor).Methods(http.MethodPost)

	conn := api.PathPrefix("/connections/{id}").Subrouter()
	conn.HandleFunc("/files", s.handleList).Methods(http.MethodGet)
	conn.HandleFunc("/files", s.handleUpload).Methods(http.MethodPut)
	conn.HandleFunc("/files", s.handleDelete).Methods(http.MethodDelete)
	conn.HandleFunc("/stat", s.handleStat).Methods(http.MethodGet)
	conn.HandleFunc("/download", s.handleDownload).Methods(http.MethodGet)
	conn.HandleFunc("/mkdir", s.handleMkdir).Methods(http.MethodPost)
	conn.HandleFunc("/rename", s.handleRename).Methods(http.MethodPost)
	conn.HandleFunc("/test", s.handleTest).Methods(http.MethodPost)

	api.HandleFunc("/transfers", s.handleSubmitTransfer).Methods(http.MethodPost)
	api.HandleFunc("/transfers", s.handleListTransfers).Methods(http.MethodGet)
	api.HandleFunc("/transfers/{id}", s.handleGetTransfer).Methods(http.MethodGet)
	api.HandleFunc("/transfers/{id}", s.handleCancelTransfer).Methods(http.MethodDelete)
	api.HandleFunc("/transfers/{id}/retry", s.handleRetryTransfer).Methods(http.MethodPost)

	return r
}

// ListResponse is the body of a directory listing.
type ListResponse struct {
	Path    string              `json:"path"`
	Entries []*client.FileEntry `json:"entries"`
}

// TestResponse reports a connection probe.
type TestResponse struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Kind      string `json:"kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

type mkdirRequest struct {
	Path        string              `json:"path"`
	Credentials *client.Credentials `json:"credentials,omitempty"`
}

type renameRequest struct {
	From        string              `json:"from"`
	To          string              `json:"to"`
	Credentials *client.Credentials `json:"credentials,omitempty"`
}

type testRequest struct {
	Connection  *client.Connection  `json:"connection,omitempty"`
	Credentials *client.Credentials `json:"credentials,omitempty"`
}

// TransferRequest is the body of POST /api/transfers.
type TransferRequest struct {
	Source            transfer.Endpoint       `json:"source"`
	Dest              transfer.Endpoint       `json:"dest"`
	Move              bool                    `json:"move"`
	Conflict          transfer.ConflictPolicy `json:"conflict,omitempty"`
	Wait              bool                    `json:"wait,omitempty"`
	SourceCredentials *client.Credentials     `json:"source_credentials,omitempty"`
	DestCredentials   *client.Credentials     `json:"dest_credentials,omitempty"`
}

func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryPath(r *http.Request) string {
	if p := r.URL.Query().Get("path"); p != "" {
		return p
	}
	return "/"
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.connections.List(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p := client.CleanPath(queryPath(r))
	entries, err := s.router.List(r.Context(), UserID(r.Context()), mux.Vars(r)["id"], p, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*client.FileEntry{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Path: p, Entries: entries})
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	entry, err := s.router.Stat(r.Context(), UserID(r.Context()), mux.Vars(r)["id"], queryPath(r), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	dl, err := s.router.Download(r.Context(), UserID(r.Context()), mux.Vars(r)["id"], queryPath(r), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	defer dl.Close()

	body := bufio.NewReaderSize(dl, sniffLen)
	contentType := dl.MimeType
	if contentType == "" || contentType == "application/octet-stream" {
		head, _ := body.Peek(sniffLen)
		contentType = mimetype.Detect(head).String()
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name}))
	if dl.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("download interrupted",
			zap.String("connection", mux.Vars(r)["id"]),
			zap.String("name", dl.Name),
			zap.Error(err))
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		badRequest(w, "path is required")
		return
	}
	err := s.router.Upload(r.Context(), UserID(r.Context()), mux.Vars(r)["id"], p, r.Body, r.ContentLength, nil, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		badRequest(w, "path is required")
		return
	}
	if err := s.router.Delete(r.Context(), UserID(r.Context()), mux.Vars(r)["id"], p, queryBool(r, "dir"), nil); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req mkdirRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Path == "" {
		badRequest(w, "path is required")
		return
	}
	if err := s.router.Mkdir(r.Context(), UserID(r.Context()), mux.Vars(r)["id"], req.Path, req.Credentials); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.From == "" || req.To == "" {
		badRequest(w, "from and to are required")
		return
	}
	if err := s.router.Rename(r.Context(), UserID(r.Context()), mux.Vars(r)["id"], req.From, req.To, req.Credentials); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	d, err := s.router.TestConnection(r.Context(), UserID(r.Context()), mux.Vars(r)["id"], req.Credentials)
	writeTestResult(w, d, err)
}

func (s *Server) handleTestDescriptor(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := decode(r, &req); err != nil || req.Connection == nil {
		badRequest(w, "connection is required")
		return
	}
	d, err := s.router.TestDescriptor(r.Context(), UserID(r.Context()), *req.Connection, req.Credentials)
	writeTestResult(w, d, err)
}

// writeTestResult reports probe failures in the body so the UI can show them
// next to the form; only unknown connections fail the request itself.
func writeTestResult(w http.ResponseWriter, d time.Duration, err error) {
	resp := TestResponse{OK: err == nil, LatencyMs: d.Milliseconds()}
	if err != nil {
		resp.Kind = string(remoteerr.KindOf(err))
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Source.ConnectionID == "" || req.Source.Path == "" || req.Dest.ConnectionID == "" || req.Dest.Path == "" {
		badRequest(w, "source and dest need a connection_id and a path")
		return
	}
	switch req.Conflict {
	case "", transfer.ConflictFail, transfer.ConflictReplace, transfer.ConflictRename:
	default:
		badRequest(w, "conflict must be fail, replace or rename")
		return
	}

	opts := router.TransferOptions{
		Conflict:          req.Conflict,
		SourceCredentials: req.SourceCredentials,
		DestCredentials:   req.DestCredentials,
		Wait:              req.Wait,
	}
	submit := s.router.Copy
	if req.Move {
		submit = s.router.Move
	}
	rec, err := submit(r.Context(), UserID(r.Context()), req.Source, req.Dest, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusAccepted
	if req.Wait {
		code = http.StatusOK
	}
	writeJSON(w, code, rec)
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Transfers().List(UserID(r.Context())))
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	rec, err := s.router.Transfers().Get(UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	if err := s.router.Transfers().Cancel(UserID(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryTransfer(w http.ResponseWriter, r *http.Request) {
	rec, err := s.router.Transfers().Retry(UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}
