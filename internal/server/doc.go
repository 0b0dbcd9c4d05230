// Package server hosts the Fiber HTTP surface in front of relay.Service:
// request-ID and recover middleware, JSON endpoints for resolution, search,
// stats and cache control, and the file download endpoint. Handlers depend on
// the narrow Relay interface so tests can inject a fake service.
package server
