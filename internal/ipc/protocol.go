package ipc

import (
	"encoding/json"
)

// Control endpoints served by the daemon
const (
	EndpointList   = "list"
	EndpointScale  = "scale"
	EndpointPause  = "pause"
	EndpointResume = "resume"
	EndpointStop   = "stop"
)

// Directory layout under the control base dir
const (
	RequestsDir  = "requests"
	ResponsesDir = "responses"
)

// Request is one control command, written as a JSON file into the requests
// directory. The file name is derived from ID, and the response file with
// the same name appears in the responses directory.
type Request struct {
	ID        string          `json:"id"`
	Endpoint  string          `json:"endpoint"`
	Body      json.RawMessage `json:"body,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix seconds
}

// Response is the daemon's reply to one request. Exactly one of Data and
// Error is meaningful.
type Response struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ScaleBody is the body for the scale endpoint.
type ScaleBody struct {
	QueueName string `json:"queueName"`
	Count     int    `json:"count"`
}

// TargetBody is the body for pause and resume. Target is a worker id or a
// queue name.
type TargetBody struct {
	Target string `json:"target"`
}

// StopBody is the body for the stop endpoint.
type StopBody struct {
	WorkerID string `json:"workerId"`
}

// ScaleResult reports which workers a scale created and stopped.
type ScaleResult struct {
	QueueName string   `json:"queueName"`
	Created   []string `json:"created"`
	Stopped   []string `json:"stopped"`
}

// AffectedResult reports which workers a pause, resume or stop touched.
type AffectedResult struct {
	Affected []string `json:"affected"`
}
