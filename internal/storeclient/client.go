// Package storeclient is the engine-side HTTP client for the video service.
// It distinguishes connectivity-class failures, which the offline queue may
// retry, from terminal failures, which are surfaced to the caller.
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/videocoach/annotation-engine/internal/models"
)

// Error classes for persistence outcomes.
var (
	// ErrConnectivity marks failures worth retrying once connectivity
	// returns: network errors, timeouts and server-side 5xx.
	ErrConnectivity = errors.New("store unreachable")

	// ErrLimitExceeded is terminal: the video's annotation list is full.
	ErrLimitExceeded = errors.New("annotation limit exceeded")

	// ErrAlreadyExists means the identity was persisted by an earlier
	// attempt; replay treats it as success.
	ErrAlreadyExists = errors.New("annotation already exists")

	// ErrVideoNotFound is terminal.
	ErrVideoNotFound = errors.New("video not found")

	// ErrMalformedResponse is terminal: the server answered with a body
	// the client cannot interpret.
	ErrMalformedResponse = errors.New("malformed server response")
)

// IsConnectivity reports whether err should be handled by queueing.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

const defaultTimeout = 10 * time.Second

// Client talks to the video service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a store client for the given base URL, e.g.
// "http://localhost:8080/api/v1". Persistence calls carry a bounded
// timeout; expiry is classified as a connectivity failure.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: logger,
	}
}

// GetVideo fetches the video's duration and current annotation list.
func (c *Client) GetVideo(ctx context.Context, videoID string) (*models.Video, error) {
	url := fmt.Sprintf("%s/videos/%s", c.baseURL, videoID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Video fetch failed", zap.String("video_id", videoID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrVideoNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: server returned %d", ErrConnectivity, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrMalformedResponse, resp.StatusCode)
	}

	var envelope models.VideoResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return &envelope.Data, nil
}

// AppendAnnotation persists a validated annotation against the video's
// annotation list and returns the server-assigned acceptance record.
func (c *Client) AppendAnnotation(ctx context.Context, videoID string, a *models.Annotation) (*models.AcceptanceRecord, error) {
	url := fmt.Sprintf("%s/videos/%s/annotations", c.baseURL, videoID)

	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode annotation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Annotation persist failed",
			zap.String("video_id", videoID),
			zap.String("annotation_id", a.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	switch {
	case resp.StatusCode == http.StatusCreated:
		var envelope models.AcceptanceResponse
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return &envelope.Data, nil

	case resp.StatusCode == http.StatusConflict:
		return nil, c.conflictError(respBody)

	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrVideoNotFound

	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: server returned %d", ErrConnectivity, resp.StatusCode)

	default:
		var errResp models.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err != nil || errResp.Error == "" {
			return nil, fmt.Errorf("%w: unexpected status %d", ErrMalformedResponse, resp.StatusCode)
		}
		return nil, fmt.Errorf("server rejected annotation: %s: %s", errResp.Error, errResp.Message)
	}
}

// conflictError tells apart the two 409 causes: a full annotation list and
// an identity persisted by an earlier attempt.
func (c *Client) conflictError(body []byte) error {
	var errResp models.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	switch errResp.Error {
	case "limit_exceeded":
		return ErrLimitExceeded
	case "duplicate_id":
		return ErrAlreadyExists
	default:
		return fmt.Errorf("%w: unexpected conflict %q", ErrMalformedResponse, errResp.Error)
	}
}
