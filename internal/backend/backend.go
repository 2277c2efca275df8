// Copyright 2025 James Ross

// Package backend talks to one inference server: a health probe, a queue
// depth query, and the submit/stream/fetch cycle that drives one
// generation. Progress is handed to a caller-supplied publish callback
// rather than returned as a channel, decoupling the HTTP polling loop here from
// whatever consumes the events (spec.md §4.2, §9 "Dynamic dispatch over
// mixed progress payloads").
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/jamesross/imagegen-broker/internal/relay"
	"github.com/jamesross/imagegen-broker/internal/workflow"
)

// ErrUnreachable is returned by Probe when the control channel does not
// answer within the probe timeout.
var ErrUnreachable = errors.New("backend: unreachable")

// ErrGenerateTimeout is returned by Generate when the overall wall-clock
// budget for one attempt elapses before the server reports completion.
var ErrGenerateTimeout = errors.New("backend: generate timed out")

// TransportError wraps a transport-level failure from any backend call.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("backend %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Client drives one inference server over its HTTP control surface
// (submit, queue, history, view), the way a ComfyUI-compatible backend
// exposes progress without a persistent socket.
type Client struct {
	Addr            string
	HTTP            *http.Client
	ProbeTimeout    time.Duration
	GenerateTimeout time.Duration
	PollInterval    time.Duration
}

// New builds a Client for one backend address.
func New(addr string, probeTimeout, generateTimeout time.Duration) *Client {
	return &Client{
		Addr:            strings.TrimRight(addr, "/"),
		HTTP:            &http.Client{},
		ProbeTimeout:    probeTimeout,
		GenerateTimeout: generateTimeout,
		PollInterval:    500 * time.Millisecond,
	}
}

type statsFrame struct {
	Status string `json:"status"`
}

// Probe opens a control request and awaits the server's initial status
// frame within ProbeTimeout.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.ProbeTimeout)
	defer cancel()

	body, err := c.get(ctx, "/system_stats")
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrUnreachable
		}
		return &TransportError{Op: "probe", Err: err}
	}

	var frame statsFrame
	// The probe only needs to know the body parsed as JSON; an empty or
	// absent "status" field still counts as a live control channel.
	_ = json.Unmarshal(body, &frame)
	return nil
}

type queueFrame struct {
	QueueRunning [][]interface{} `json:"queue_running"`
	QueuePending [][]interface{} `json:"queue_pending"`
}

// AvailableCapacity reports the server's queue depth; 0 means idle.
func (c *Client) AvailableCapacity(ctx context.Context) (int, error) {
	body, err := c.get(ctx, "/queue")
	if err != nil {
		return 0, &TransportError{Op: "available_capacity", Err: err}
	}
	var q queueFrame
	if err := json.Unmarshal(body, &q); err != nil {
		return 0, &TransportError{Op: "available_capacity", Err: err}
	}
	return len(q.QueueRunning) + len(q.QueuePending), nil
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

type historyEntry struct {
	Status struct {
		Completed bool `json:"completed"`
	} `json:"status"`
	Progress struct {
		Percent        int    `json:"percent"`
		Step           int    `json:"step"`
		Max            int    `json:"max"`
		Node           string `json:"node"`
		QueueRemaining int    `json:"queue_remaining"`
	} `json:"progress"`
	Outputs struct {
		Filename string `json:"filename"`
	} `json:"outputs"`
}

// Generate uploads input, submits recipe, and polls history until
// completion or GenerateTimeout, publishing a ProgressEvent per poll via
// publish. Returns the final output bytes.
func (c *Client) Generate(ctx context.Context, requestID string, input []byte, recipe workflow.Recipe, publish func(relay.ProgressEvent)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.GenerateTimeout)
	defer cancel()

	filename, err := c.uploadImage(ctx, input)
	if err != nil {
		return nil, &TransportError{Op: "upload_image", Err: err}
	}

	promptID, err := c.submitPrompt(ctx, recipe, filename)
	if err != nil {
		return nil, &TransportError{Op: "submit_prompt", Err: err}
	}

	publish(relay.ProgressEvent{RequestID: requestID, Kind: relay.KindStarted})

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ErrGenerateTimeout
		case <-ticker.C:
			entry, err := c.history(ctx, promptID)
			if err != nil {
				// transient polling errors don't abort the attempt; the
				// overall context deadline is the only timeout authority.
				continue
			}

			publish(relay.ProgressEvent{
				RequestID: requestID, Kind: relay.KindTick,
				Percent: entry.Progress.Percent, Step: entry.Progress.Step,
				Max: entry.Progress.Max, Node: entry.Progress.Node,
			})
			publish(relay.ProgressEvent{
				RequestID: requestID, Kind: relay.KindQueueDepth,
				QueueRemaining: entry.Progress.QueueRemaining,
			})

			if entry.Status.Completed {
				publish(relay.ProgressEvent{RequestID: requestID, Kind: relay.KindCompleted})
				return c.fetchOutput(ctx, entry.Outputs.Filename)
			}
		}
	}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Addr+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readBody(resp)
}

// readBody transparently decompresses a gzip-encoded progress/stats body,
// matching backends that set Content-Encoding: gzip on these endpoints.
func readBody(resp *http.Response) ([]byte, error) {
	reader := io.Reader(resp.Body)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	}
	b, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(b))
	}
	return b, nil
}

func (c *Client) uploadImage(ctx context.Context, input []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "input.png")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(input); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Addr+"/upload/image", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := readBody(resp)
	if err != nil {
		return "", err
	}
	var out struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

func (c *Client) submitPrompt(ctx context.Context, recipe workflow.Recipe, imageFilename string) (string, error) {
	payload, err := json.Marshal(struct {
		Prompt workflow.Recipe `json:"prompt"`
	}{Prompt: recipe})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Addr+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := readBody(resp)
	if err != nil {
		return "", err
	}
	var sub submitResponse
	if err := json.Unmarshal(body, &sub); err != nil {
		return "", err
	}
	return sub.PromptID, nil
}

func (c *Client) history(ctx context.Context, promptID string) (historyEntry, error) {
	body, err := c.get(ctx, "/history/"+promptID)
	if err != nil {
		return historyEntry{}, err
	}
	var entries map[string]historyEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return historyEntry{}, err
	}
	entry, ok := entries[promptID]
	if !ok {
		return historyEntry{}, fmt.Errorf("prompt %s not found in history", promptID)
	}
	return entry, nil
}

func (c *Client) fetchOutput(ctx context.Context, filename string) ([]byte, error) {
	return c.get(ctx, "/view?filename="+filename)
}
