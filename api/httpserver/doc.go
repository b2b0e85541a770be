// Package httpserver provides a reusable HTTP server with common lifecycle
// functionality for the submission service.
//
// The package implements a base HTTP server with standard health endpoints,
// drain control for load balancers, structured request logging, and graceful
// shutdown. The submission ingestion handler plugs into it through the
// RouteRegistrar interface.
//
// # Key Components
//
//   - BaseServer: Core HTTP server with health checks and lifecycle management
//   - RouteRegistrar: Interface for components to register their routes
//
// # Health and Diagnostics
//
// Every server built on BaseServer automatically includes:
//
//   - Liveness check: /livez
//   - Readiness check: /readyz
//   - Drain control: /drain and /undrain
//   - Profiling: optional pprof endpoints under /debug when enabled
//
// # Usage
//
//	handler, _ := server.NewHandler(policy, ledger, store, resolver, log)
//	srv, _ := httpserver.New(cfg, handler)
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
