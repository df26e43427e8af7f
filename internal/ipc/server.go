package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay gives the writer time to finish the request file after the
// create event fires.
const settleDelay = 50 * time.Millisecond

// Handler serves one control endpoint. The returned value is marshalled
// into the response's data field.
type Handler func(ctx context.Context, req Request) (any, error)

// Server watches the requests directory and answers each request file with
// a response file of the same name. One daemon runs one server.
type Server struct {
	baseDir  string
	handlers map[string]Handler
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewServer creates a control server rooted at baseDir
func NewServer(baseDir string, logger *slog.Logger) *Server {
	return &Server{
		baseDir:  baseDir,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Handle registers the handler for an endpoint
func (s *Server) Handle(endpoint string, handler Handler) {
	s.handlers[endpoint] = handler
}

func (s *Server) requestsDir() string  { return filepath.Join(s.baseDir, RequestsDir) }
func (s *Server) responsesDir() string { return filepath.Join(s.baseDir, ResponsesDir) }

// Start creates the control directories and begins serving requests. It
// returns once the watcher is in place; serving continues until Stop.
func (s *Server) Start(ctx context.Context) error {
	// the daemon owns the control dirs, leftovers from a previous run are stale
	for _, dir := range []string{s.requestsDir(), s.responsesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create control dir %s: %w", dir, err)
		}
		if err := clearDir(dir); err != nil {
			return fmt.Errorf("failed to clear control dir %s: %w", dir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.requestsDir()); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch requests dir: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Create) {
					s.serveFile(ctx, event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("Control watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	s.logger.Info("Control server started", slog.String("base_dir", s.baseDir))
	return nil
}

// Stop halts the watcher and waits for in-flight requests to finish
func (s *Server) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Control server stopped")
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) serveFile(ctx context.Context, path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}

	// let the writer finish
	select {
	case <-ctx.Done():
		return
	case <-time.After(settleDelay):
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Failed to read control request",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	defer os.Remove(path)

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Error("Malformed control request",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		s.writeResponse(filepath.Base(path), Response{Error: "malformed request: " + err.Error()})
		return
	}

	s.logger.Debug("Serving control request",
		slog.String("id", req.ID),
		slog.String("endpoint", req.Endpoint),
	)

	resp := s.dispatch(ctx, req)
	s.writeResponse(filepath.Base(path), resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	handler, ok := s.handlers[req.Endpoint]
	if !ok {
		return Response{Error: "unknown endpoint: " + req.Endpoint}
	}

	result, err := handler(ctx, req)
	if err != nil {
		return Response{Error: err.Error()}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return Response{Error: "failed to encode response: " + err.Error()}
	}
	return Response{Data: data}
}

// writeResponse writes atomically so the client never reads a half-written
// file.
func (s *Server) writeResponse(name string, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode control response", slog.String("error", err.Error()))
		return
	}

	tmp := filepath.Join(s.responsesDir(), "."+name+".tmp")
	final := filepath.Join(s.responsesDir(), name)

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error("Failed to write control response", slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		s.logger.Error("Failed to publish control response", slog.String("error", err.Error()))
	}
}
