// Package client provides the API client for interacting with the provisioner API
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/celestiaorg/provisioner/internal/queue"
	"github.com/celestiaorg/provisioner/internal/types"
	"github.com/celestiaorg/provisioner/pkg/api/v1/routes"
)

// DefaultTimeout is the default timeout for API requests
const DefaultTimeout = 30 * time.Second

// Client is the interface for API client
type Client interface {
	// Health Check
	HealthCheck(ctx context.Context) (map[string]string, error)

	// Job Endpoints
	EnqueueJob(ctx context.Context, req types.EnqueueJobRequest) (uuid.UUID, error)
	GetJob(ctx context.Context, id uuid.UUID) (types.JobStatusView, error)
	ListJobs(ctx context.Context, opts ListJobsOptions) (types.ListJobsResponse, error)
	RetryJob(ctx context.Context, id uuid.UUID) (types.JobStatusView, error)
	CancelJob(ctx context.Context, id uuid.UUID) (types.JobStatusView, error)

	// Queue Endpoints
	GetQueueStats(ctx context.Context) ([]queue.QueueStats, error)
}

var _ Client = &APIClient{}

// ListJobsOptions filters and pages a job listing
type ListJobsOptions struct {
	Queue  string
	Type   string
	Status string
	Limit  int
	Offset int
}

func (o ListJobsOptions) values() url.Values {
	q := url.Values{}
	if o.Queue != "" {
		q.Set("queue", o.Queue)
	}
	if o.Type != "" {
		q.Set("type", o.Type)
	}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	return q
}

// Options contains configuration options for the API client
type Options struct {
	// BaseURL is the base URL of the API
	BaseURL string

	// Timeout is the request timeout
	Timeout time.Duration
}

// DefaultOptions returns the default client options
func DefaultOptions() *Options {
	return &Options{
		BaseURL: routes.DefaultBaseURL,
		Timeout: DefaultTimeout,
	}
}

// APIError is a non-2xx response. It matches the job sentinels with
// errors.Is so callers can branch on 404 and duplicate conflicts.
type APIError struct {
	StatusCode int
	Slug       types.Slug
	Message    string
	// Data carries the existing job on a duplicate conflict
	Data json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}

// Is implements errors.Is
func (e *APIError) Is(target error) bool {
	switch target {
	case types.ErrJobNotFound:
		return e.StatusCode == http.StatusNotFound && e.Slug == types.NotFoundSlug
	case types.ErrDuplicateJob:
		_, ok := e.Duplicate()
		return ok
	}
	return false
}

// Duplicate decodes the conflicting job of a duplicate enqueue
func (e *APIError) Duplicate() (types.DuplicateJobResponse, bool) {
	var dup types.DuplicateJobResponse
	if e.StatusCode != http.StatusConflict || len(e.Data) == 0 {
		return dup, false
	}
	if err := json.Unmarshal(e.Data, &dup); err != nil || dup.ExistingJobID == uuid.Nil {
		return dup, false
	}
	return dup, true
}

// slugEnvelope is SlugResponse with the data left encoded
type slugEnvelope struct {
	Slug  types.Slug      `json:"slug"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// APIClient implements the Client interface
type APIClient struct {
	baseURL string
	timeout time.Duration
}

// NewClient creates a new API client with the given options
func NewClient(opts *Options) (Client, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	// Validate the base URL
	_, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	return &APIClient{
		baseURL: opts.BaseURL,
		timeout: opts.Timeout,
	}, nil
}

// createAgent creates a new Fiber Agent for the given method and endpoint
func (c *APIClient) createAgent(ctx context.Context, method, endpoint string, body interface{}) (*fiber.Agent, error) {
	// Resolve the endpoint URL
	fullURL := c.baseURL + endpoint

	// Create a new agent based on the HTTP method
	var agent *fiber.Agent
	switch method {
	case http.MethodGet:
		agent = fiber.Get(fullURL)
	case http.MethodPost:
		agent = fiber.Post(fullURL)
	case http.MethodPut:
		agent = fiber.Put(fullURL)
	case http.MethodDelete:
		agent = fiber.Delete(fullURL)
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	// Set timeout from context or client default
	if deadline, ok := ctx.Deadline(); ok {
		agent.Timeout(time.Until(deadline))
	} else {
		agent.Timeout(c.timeout)
	}

	// Set common headers
	agent.Set("Content-Type", "application/json")
	agent.Set("Accept", "application/json")

	// Add body if provided
	if body != nil {
		agent.JSON(body)
	}

	return agent, nil
}

// doRequest sends the HTTP request and decodes the slug envelope. The data
// field is decoded into v when v is not nil.
func (c *APIClient) doRequest(agent *fiber.Agent, v interface{}) error {
	statusCode, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("error sending request: %w", errors.Join(errs...))
	}

	var env slugEnvelope
	decodeErr := json.Unmarshal(body, &env)

	if statusCode < 200 || statusCode >= 300 {
		apiErr := &APIError{StatusCode: statusCode, Message: string(body)}
		if decodeErr == nil && env.Slug != "" {
			apiErr.Slug = env.Slug
			apiErr.Message = env.Error
			apiErr.Data = env.Data
		}
		return apiErr
	}

	if v == nil {
		return nil
	}
	if decodeErr != nil {
		return fmt.Errorf("error decoding response: %w", decodeErr)
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("error decoding response data: %w", err)
	}
	return nil
}

// executeRequest creates an agent, sends the request, and processes the response
func (c *APIClient) executeRequest(ctx context.Context, method, endpoint string, body, response interface{}) error {
	agent, err := c.createAgent(ctx, method, endpoint, body)
	if err != nil {
		return err
	}

	return c.doRequest(agent, response)
}

// Health check implementation

// HealthCheck checks the health of the API
func (c *APIClient) HealthCheck(ctx context.Context) (map[string]string, error) {
	agent, err := c.createAgent(ctx, http.MethodGet, routes.HealthCheckURL(), nil)
	if err != nil {
		return nil, err
	}
	statusCode, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("error sending request: %w", errors.Join(errs...))
	}
	if statusCode != http.StatusOK {
		return nil, &APIError{StatusCode: statusCode, Message: string(body)}
	}

	var response map[string]string
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return response, nil
}

// Job methods implementation

// EnqueueJob queues a job and returns its id
func (c *APIClient) EnqueueJob(ctx context.Context, req types.EnqueueJobRequest) (uuid.UUID, error) {
	var response types.EnqueueJobResponse
	if err := c.executeRequest(ctx, http.MethodPost, routes.CreateJobURL(), req, &response); err != nil {
		return uuid.Nil, err
	}
	return response.JobID, nil
}

// GetJob retrieves a job with its step results
func (c *APIClient) GetJob(ctx context.Context, id uuid.UUID) (types.JobStatusView, error) {
	var response types.JobStatusView
	if err := c.executeRequest(ctx, http.MethodGet, routes.GetJobURL(id.String()), nil, &response); err != nil {
		return types.JobStatusView{}, err
	}
	return response, nil
}

// ListJobs lists jobs with optional filtering
func (c *APIClient) ListJobs(ctx context.Context, opts ListJobsOptions) (types.ListJobsResponse, error) {
	var response types.ListJobsResponse
	if err := c.executeRequest(ctx, http.MethodGet, routes.GetJobsURL(opts.values()), nil, &response); err != nil {
		return types.ListJobsResponse{}, err
	}
	return response, nil
}

// RetryJob re-queues a failed or dead-lettered job
func (c *APIClient) RetryJob(ctx context.Context, id uuid.UUID) (types.JobStatusView, error) {
	var response types.JobStatusView
	if err := c.executeRequest(ctx, http.MethodPost, routes.RetryJobURL(id.String()), nil, &response); err != nil {
		return types.JobStatusView{}, err
	}
	return response, nil
}

// CancelJob cancels a job
func (c *APIClient) CancelJob(ctx context.Context, id uuid.UUID) (types.JobStatusView, error) {
	var response types.JobStatusView
	if err := c.executeRequest(ctx, http.MethodPost, routes.CancelJobURL(id.String()), nil, &response); err != nil {
		return types.JobStatusView{}, err
	}
	return response, nil
}

// Queue methods implementation

// GetQueueStats retrieves stats for every queue
func (c *APIClient) GetQueueStats(ctx context.Context) ([]queue.QueueStats, error) {
	var response []queue.QueueStats
	if err := c.executeRequest(ctx, http.MethodGet, routes.QueueStatsURL(), nil, &response); err != nil {
		return nil, err
	}
	return response, nil
}
