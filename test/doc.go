// Package test provides a full-stack environment for integration tests.
//
// A Suite runs the real process wiring from internal/app against an
// in-memory SQLite store and fake adapters: dispatcher, pipelines, worker
// pool and the HTTP API served through httptest. Tests drive it through the
// API client the CLI uses and configure external behaviour on Adapters.
//
// Example Usage:
//
//	func TestExample(t *testing.T) {
//	    suite := test.NewSuite(t)
//	    defer suite.Cleanup()
//
//	    suite.StartWorkers()
//	    id, err := suite.APIClient.EnqueueJob(suite.Context(), req)
//	    // ...
//	}
package test
