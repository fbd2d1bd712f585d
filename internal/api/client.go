// Package api provides the HTTP client for the remote authority. The
// server owns the canonical state; this client submits queued operations
// and fetches reads for the cache.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agrotour/offline/internal/errors"
	"github.com/agrotour/offline/internal/models"
)

// Outcome classifies a submission result.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeConflict Outcome = "conflict"
	OutcomeRejected Outcome = "rejected"
)

// ConflictInfo carries the server's side of a detected conflict.
type ConflictInfo struct {
	Type          models.ConflictType `json:"conflictType"`
	RemoteVersion json.RawMessage     `json:"remoteVersion"`
	Details       string              `json:"details"`
}

// SubmitResult is the typed outcome of one operation submission.
// Transport failures are returned as errors; everything the server
// actually decided lands here.
type SubmitResult struct {
	Outcome  Outcome
	Data     json.RawMessage
	Conflict *ConflictInfo
	Message  string
}

// entityPaths maps entity types to their REST collection paths.
var entityPaths = map[string]string{
	models.EntityProduct:  "/api/products",
	models.EntityOrder:    "/api/orders",
	models.EntityVisit:    "/api/visits",
	models.EntityLocation: "/api/locations",
	models.EntityUser:     "/api/users",
}

// Client talks to the remote authority.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientWithHTTP creates a Client with a caller-supplied http.Client.
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// SetToken sets the bearer token attached to every request.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Submit sends one queued operation to the server and classifies the
// response. A transport failure returns a retryable network error; an
// HTTP 409 becomes a conflict result; 4xx becomes a rejection.
func (c *Client) Submit(ctx context.Context, op *models.Operation) (*SubmitResult, error) {
	path, ok := entityPaths[op.EntityType]
	if !ok {
		return nil, errors.New(errors.ErrInvalid,
			fmt.Sprintf("no remote path for entity type %q", op.EntityType))
	}

	var method, url string
	switch op.Kind {
	case models.KindCreate:
		method, url = http.MethodPost, c.baseURL+path+"/"
	case models.KindUpdate:
		method, url = http.MethodPut, c.baseURL+path+"/"+op.EntityID
	case models.KindDelete:
		method, url = http.MethodDelete, c.baseURL+path+"/"+op.EntityID
	default:
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown operation kind %q", op.Kind))
	}

	var bodyReader io.Reader
	if len(op.Payload) > 0 {
		bodyReader = bytes.NewReader(op.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Content-Hash", op.ContentHash)
	if op.Force {
		req.Header.Set("X-Force", "true")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "submit request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "failed to read submit response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &SubmitResult{Outcome: OutcomeApplied, Data: respBody}, nil

	case resp.StatusCode == http.StatusConflict:
		var info ConflictInfo
		if err := json.Unmarshal(respBody, &info); err != nil {
			info = ConflictInfo{
				Type:    models.ConflictDataInconsistency,
				Details: string(respBody),
			}
		}
		if info.Type == "" {
			info.Type = models.ConflictConcurrentModification
		}
		return &SubmitResult{Outcome: OutcomeConflict, Conflict: &info}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &SubmitResult{
			Outcome: OutcomeRejected,
			Message: serverMessage(resp.StatusCode, respBody),
		}, nil

	default:
		return nil, errors.New(errors.ErrNetwork,
			fmt.Sprintf("server error (%d): %s", resp.StatusCode, string(respBody)))
	}
}

// Get fetches a read path from the server. Used by the cache read-through.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "get request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "failed to read response body", err)
	}

	if resp.StatusCode >= 500 {
		return nil, errors.New(errors.ErrNetwork,
			fmt.Sprintf("server error (%d): %s", resp.StatusCode, string(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.New(errors.ErrInternal, serverMessage(resp.StatusCode, body))
	}
	return body, nil
}

func serverMessage(status int, body []byte) string {
	var errResp struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil {
		if errResp.Message != "" {
			return fmt.Sprintf("server rejected request (%d): %s", status, errResp.Message)
		}
		if errResp.Error != "" {
			return fmt.Sprintf("server rejected request (%d): %s", status, errResp.Error)
		}
	}
	return fmt.Sprintf("server rejected request (%d): %s", status, string(body))
}
