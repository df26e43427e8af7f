package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, *Client, string) {
	t.Helper()
	baseDir := t.TempDir()

	server := NewServer(baseDir, slog.New(slog.DiscardHandler))
	client := NewClient(baseDir, 5*time.Second)
	return server, client, baseDir
}

func TestServerClient_RoundTrip(t *testing.T) {
	server, client, _ := startTestServer(t)

	server.Handle(EndpointScale, func(_ context.Context, req Request) (any, error) {
		var body ScaleBody
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, err
		}
		return ScaleResult{QueueName: body.QueueName, Created: []string{"order-sync-a", "order-sync-b"}}, nil
	})

	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	var result ScaleResult
	err := client.Do(context.Background(), EndpointScale, ScaleBody{QueueName: "order-sync", Count: 2}, &result)
	require.NoError(t, err)
	assert.Equal(t, "order-sync", result.QueueName)
	assert.Equal(t, []string{"order-sync-a", "order-sync-b"}, result.Created)
	assert.Empty(t, result.Stopped)
}

func TestServerClient_HandlerError(t *testing.T) {
	server, client, _ := startTestServer(t)

	server.Handle(EndpointStop, func(_ context.Context, _ Request) (any, error) {
		return nil, errors.New("worker not found: w1")
	})

	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	err := client.Do(context.Background(), EndpointStop, StopBody{WorkerID: "w1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker not found: w1")
}

func TestServerClient_UnknownEndpoint(t *testing.T) {
	server, client, _ := startTestServer(t)

	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	err := client.Do(context.Background(), "explode", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown endpoint")
}

func TestServer_ClearsStaleFilesOnStart(t *testing.T) {
	server, _, baseDir := startTestServer(t)

	requestsDir := filepath.Join(baseDir, RequestsDir)
	responsesDir := filepath.Join(baseDir, ResponsesDir)
	require.NoError(t, os.MkdirAll(requestsDir, 0o755))
	require.NoError(t, os.MkdirAll(responsesDir, 0o755))

	staleRequest := filepath.Join(requestsDir, "stale.json")
	staleResponse := filepath.Join(responsesDir, "stale.json")
	require.NoError(t, os.WriteFile(staleRequest, []byte(`{"id":"stale"}`), 0o644))
	require.NoError(t, os.WriteFile(staleResponse, []byte(`{"data":null}`), 0o644))

	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	_, err := os.Stat(staleRequest)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(staleResponse)
	assert.True(t, os.IsNotExist(err))
}

func TestClient_RequestCarriesUnixTimestamp(t *testing.T) {
	server, client, _ := startTestServer(t)

	got := make(chan int64, 1)
	server.Handle(EndpointList, func(_ context.Context, req Request) (any, error) {
		got <- req.Timestamp
		return AffectedResult{}, nil
	})

	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	require.NoError(t, client.Do(context.Background(), EndpointList, nil, nil))

	ts := <-got
	assert.InDelta(t, time.Now().Unix(), float64(ts), 60)
}

func TestClient_NoDaemon(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing"), time.Second)

	err := client.Do(context.Background(), EndpointList, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is the daemon running")
}

func TestClient_Timeout(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, RequestsDir), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, ResponsesDir), 0o755))

	client := NewClient(baseDir, 500*time.Millisecond)

	err := client.Do(context.Background(), EndpointList, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	// the abandoned request must not linger for the next daemon run
	entries, err := os.ReadDir(filepath.Join(baseDir, RequestsDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestServer_MalformedRequest(t *testing.T) {
	server, _, baseDir := startTestServer(t)
	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	name := "bad-request.json"
	path := filepath.Join(baseDir, RequestsDir, name)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	responsePath := filepath.Join(baseDir, ResponsesDir, name)
	require.Eventually(t, func() bool {
		_, err := os.Stat(responsePath)
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)

	data, err := os.ReadFile(responsePath)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Contains(t, resp.Error, "malformed request")
}
