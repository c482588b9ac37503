package earthengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://earthengine.googleapis.com"
	apiVersion     = "v1"
	legacyProject  = "projects/earthengine-legacy"
	featurePage    = 1000
)

var (
	ErrUnreachable = errors.New("earth engine unreachable")
	ErrRequest     = errors.New("earth engine request failed")
	ErrTimeout     = errors.New("earth engine request timeout")
)

// Client is the subset of the Earth Engine REST API used for table exports.
type Client interface {
	ExportTable(ctx context.Context, req TableExportRequest) (Operation, error)
	GetOperation(ctx context.Context, name string) (Operation, error)
	ListFeatures(ctx context.Context, asset string) ([]Feature, error)
}

type ClientConfig struct {
	BaseURL     string
	Project     string
	AccessToken string
	Timeout     time.Duration
	// RequestsPerSecond throttles every call; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
}

// HTTPClient implements Client over HTTPS.
type HTTPClient struct {
	baseURL string
	project string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		baseURL: baseURL,
		project: cfg.Project,
		token:   cfg.AccessToken,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *HTTPClient) ExportTable(ctx context.Context, req TableExportRequest) (Operation, error) {
	if c.project == "" {
		return Operation{}, fmt.Errorf("%w: project is required", ErrRequest)
	}
	u := fmt.Sprintf("%s/%s/projects/%s/table:export", c.baseURL, apiVersion, url.PathEscape(c.project))
	var op Operation
	if err := c.do(ctx, http.MethodPost, u, req, &op); err != nil {
		return Operation{}, err
	}
	logrus.WithFields(logrus.Fields{
		"operation":   op.Name,
		"description": req.Description,
	}).Debug("table export accepted")
	return op, nil
}

// GetOperation fetches an operation by its full resource name
// (projects/<project>/operations/<id>).
func (c *HTTPClient) GetOperation(ctx context.Context, name string) (Operation, error) {
	if name == "" {
		return Operation{}, fmt.Errorf("%w: operation name is required", ErrRequest)
	}
	u := fmt.Sprintf("%s/%s/%s", c.baseURL, apiVersion, name)
	var op Operation
	if err := c.do(ctx, http.MethodGet, u, nil, &op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Status implements the status query used by the job monitor.
func (c *HTTPClient) Status(ctx context.Context, jobID string) (Status, error) {
	op, err := c.GetOperation(ctx, jobID)
	if err != nil {
		return Status{}, err
	}
	return op.Status(), nil
}

// ListFeatures pages through every feature of a table asset.
func (c *HTTPClient) ListFeatures(ctx context.Context, asset string) ([]Feature, error) {
	name := assetName(asset)
	var features []Feature
	pageToken := ""
	for {
		params := url.Values{"pageSize": {fmt.Sprint(featurePage)}}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}
		u := fmt.Sprintf("%s/%s/%s:listFeatures?%s", c.baseURL, apiVersion, name, params.Encode())
		var page featurePageResponse
		if err := c.do(ctx, http.MethodGet, u, nil, &page); err != nil {
			return nil, err
		}
		features = append(features, page.Features...)
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	logrus.Debugf("Listed %d features from %s", len(features), name)
	return features, nil
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.project != "" {
		req.Header.Set("X-Goog-User-Project", c.project)
	}
}

func assetName(asset string) string {
	asset = strings.Trim(asset, "/")
	if strings.HasPrefix(asset, "projects/") {
		return asset
	}
	return legacyProject + "/assets/" + asset
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func responseError(resp *http.Response) error {
	var apiErr apiErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("%w: status %d (%s): %s", ErrRequest, resp.StatusCode, apiErr.Error.Status, apiErr.Error.Message)
	}
	return fmt.Errorf("%w: status %d", ErrRequest, resp.StatusCode)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

var _ Client = (*HTTPClient)(nil)
