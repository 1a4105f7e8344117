// Package routes defines the API routes and URL structure
package routes

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/celestiaorg/provisioner/pkg/api/v1/handlers"
)

/*

To keep this file organized, routes should be organized in the following way:

1. Smallest scope first (i.e. queue routes before job routes)
2. For similar scopes, put the endpoints in alphabetical order
3. Order routes in GET, POST, PUT, DELETE order.
	a. Within this ordering, param urls (ie /:id) should go last, otherwise fiber will interpret the route slug as that param.
	b. After param considerations, order alphabetically.
4. For clarity, naming should match the action (i.e. GetJob, CancelJob)

*/

// API base configuration
const (
	// DefaultPort is the default port for the API
	DefaultPort = "8080"
	// APIv1Prefix is the prefix for all API endpoints
	APIv1Prefix = "/api/v1"
)

// DefaultBaseURL is the default base URL for the API
var DefaultBaseURL = fmt.Sprintf("http://localhost:%s", DefaultPort)

// Route names for lookup
const (
	// Health check
	HealthCheck = "HealthCheck"
	// Prometheus scrape endpoint
	Metrics = "Metrics"

	// Queue routes
	GetQueueStats = "GetQueueStats"

	// Job routes
	GetJobs   = "GetJobs"
	GetJob    = "GetJob"
	CreateJob = "CreateJob"
	RetryJob  = "RetryJob"
	CancelJob = "CancelJob"
)

// routeCache stores extracted routes for use prior to compilation
var (
	routeCache     map[string]string
	routeCacheMu   sync.RWMutex
	routeCacheInit sync.Once
)

// RegisterRoutes configures all the v1 routes. metrics serves the prometheus
// registry and may be nil.
//
// NOTE: route ordering is important because routes will try and match in the order they are registered.
func RegisterRoutes(
	app *fiber.App,
	jobHandler *handlers.JobHandler,
	queueHandler *handlers.QueueHandler,
	metrics fiber.Handler,
) {
	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	}).Name(HealthCheck)

	if metrics != nil {
		app.Get("/metrics", metrics).Name(Metrics)
	}

	// API v1 routes
	v1 := app.Group(APIv1Prefix)

	// Queue endpoints
	queues := v1.Group("/queues")
	queues.Get("/stats", queueHandler.GetQueueStats).Name(GetQueueStats)

	// ---------------------------
	// Job endpoints
	jobs := v1.Group("/jobs")
	jobs.Get("/", jobHandler.ListJobs).Name(GetJobs)
	jobs.Get("/:id", jobHandler.GetJob).Name(GetJob)
	jobs.Post("/", jobHandler.EnqueueJob).Name(CreateJob)
	jobs.Post("/:id/cancel", jobHandler.CancelJob).Name(CancelJob)
	jobs.Post("/:id/retry", jobHandler.RetryJob).Name(RetryJob)
}

// initRouteCache initializes the route cache by creating a mock app and extracting routes
func initRouteCache() {
	routeCacheInit.Do(func() {
		routeCache = make(map[string]string)

		// Create a mock app
		app := fiber.New()

		// Register routes with empty handlers
		RegisterRoutes(app, &handlers.JobHandler{}, &handlers.QueueHandler{}, func(*fiber.Ctx) error { return nil })

		// Extract routes from the app
		for _, route := range app.GetRoutes() {
			if route.Name != "" {
				routeCache[route.Name] = route.Path
			}
		}
	})
}

// GetRoute returns the route pattern for the given route name
func GetRoute(name string) string {
	routeCacheMu.RLock()
	defer routeCacheMu.RUnlock()

	// Initialize cache if needed
	if routeCache == nil {
		routeCacheMu.RUnlock()
		initRouteCache()
		routeCacheMu.RLock()
	}

	return routeCache[name]
}

// BuildURL builds a URL for the given route name and parameters
func BuildURL(routeName string, params map[string]string, queryParams url.Values) string {
	route := GetRoute(routeName)
	if route == "" {
		return ""
	}

	// Replace parameters in the route
	for param, value := range params {
		route = strings.ReplaceAll(route, ":"+param, value)
	}

	// Remove trailing slash if it's a base endpoint with no parameters
	if strings.HasSuffix(route, "/") && !strings.Contains(route, ":") {
		route = strings.TrimSuffix(route, "/")
	}

	// Add query parameters if any
	if len(queryParams) > 0 {
		route = fmt.Sprintf("%s?%s", route, queryParams.Encode())
	}

	return route
}

// Health check route helper

// HealthCheckURL returns the URL for the health check endpoint
func HealthCheckURL() string {
	return BuildURL(HealthCheck, nil, nil)
}

// MetricsURL returns the URL of the prometheus endpoint
func MetricsURL() string {
	return BuildURL(Metrics, nil, nil)
}

// Queue route helpers

// QueueStatsURL returns the URL for queue statistics
func QueueStatsURL() string {
	return BuildURL(GetQueueStats, nil, nil)
}

// Job route helpers

// GetJobsURL returns the URL for listing jobs
func GetJobsURL(queryParams url.Values) string {
	return BuildURL(GetJobs, nil, queryParams)
}

// GetJobURL returns the URL for getting a job by ID
func GetJobURL(id string) string {
	return BuildURL(GetJob, map[string]string{"id": id}, nil)
}

// CreateJobURL returns the URL for enqueueing a job
func CreateJobURL() string {
	return BuildURL(CreateJob, nil, nil)
}

// RetryJobURL returns the URL for retrying a job
func RetryJobURL(id string) string {
	return BuildURL(RetryJob, map[string]string{"id": id}, nil)
}

// CancelJobURL returns the URL for cancelling a job
func CancelJobURL(id string) string {
	return BuildURL(CancelJob, map[string]string{"id": id}, nil)
}
