package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/openclinic/chartsync/internal/common"
	"github.com/openclinic/chartsync/internal/device/models"
	"github.com/openclinic/chartsync/internal/logging"
)

const (
	defaultTimeout  = 30 * time.Second
	retryBaseDelay  = 500 * time.Millisecond
	retryMaxDelay   = 5 * time.Second
	retryMaxRetries = 3
)

// HTTPClient implements Client over the server's JSON API.
type HTTPClient struct {
	client   *http.Client
	baseURL  string
	deviceID string
	logger   logging.Logger
}

func NewHTTPClient(baseURL, deviceID string, logger logging.Logger) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		baseURL:  strings.TrimRight(baseURL, "/"),
		deviceID: deviceID,
		logger:   logger.With("component", "remote"),
	}
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	// A ping is a reachability probe; retrying inside it would only delay
	// the offline verdict.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/ping", nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}
	req.Header.Set(common.DeviceIDHeaderName, c.deviceID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ping returned status %d", common.ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	var out PushResponse
	if err := c.do(ctx, http.MethodPost, "/api/sync/push", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Pull(ctx context.Context, t models.EntityType, cursor int64, limit int) (*PullResponse, error) {
	q := url.Values{}
	q.Set("collection", string(t))
	q.Set("cursor", strconv.FormatInt(cursor, 10))
	q.Set("limit", strconv.Itoa(limit))

	var out PullResponse
	if err := c.do(ctx, http.MethodGet, "/api/sync/changes?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Manifest(ctx context.Context, t models.EntityType) ([]ManifestEntry, error) {
	q := url.Values{}
	q.Set("collection", string(t))

	var out ManifestResponse
	if err := c.do(ctx, http.MethodGet, "/api/sync/manifest?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, t models.EntityType, ids []string) ([]Change, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("collection", string(t))
	q.Set("ids", strings.Join(ids, ","))

	var out FetchResponse
	if err := c.do(ctx, http.MethodGet, "/api/sync/records?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *HTTPClient) AttachmentUploadURL(ctx context.Context, id string) (string, error) {
	var out UploadURLResponse
	err := c.do(ctx, http.MethodPost, "/api/attachments/"+url.PathEscape(id)+"/upload-url", nil, &out)
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *HTTPClient) MarkAttachmentUploaded(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/attachments/"+url.PathEscape(id)+"/uploaded", nil, nil)
}

// do runs one JSON request with retries on transient failures. Non-2xx
// responses below 500 (except 429) are terminal and reported verbatim.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, result any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	backoff := retry.WithCappedDuration(retryMaxDelay, retry.NewExponential(retryBaseDelay))
	backoff = retry.WithMaxRetries(retryMaxRetries, backoff)

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(common.DeviceIDHeaderName, c.deviceID)

		resp, err := c.client.Do(req)
		if err != nil {
			c.logger.Debug(ctx, "request failed, will retry",
				"method", method, "path", path, "attempt", attempt, "error", err)
			return retry.RetryableError(fmt.Errorf("%w: %v", common.ErrUnavailable, err))
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: reading response: %v", common.ErrUnavailable, err))
		}

		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			c.logger.Debug(ctx, "server side failure, will retry",
				"method", method, "path", path, "attempt", attempt, "status", resp.StatusCode)
			return retry.RetryableError(fmt.Errorf("%w: status %d", common.ErrUnavailable, resp.StatusCode))
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return serverError(resp.StatusCode, raw)
		}

		if result != nil {
			if err := json.Unmarshal(raw, result); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

func serverError(status int, body []byte) error {
	var errResp struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", common.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", common.ErrVersionConflict, msg)
	default:
		return fmt.Errorf("%w: %s", common.ErrValidation, msg)
	}
}
