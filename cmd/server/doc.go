// Package main is the entry point for the sandboxd MCP server.
//
// The server manages sandbox sessions on a container engine, a remote sandbox
// service or, for development, the local host, and exposes them to MCP clients
// over stdio or HTTP. Unless disabled in configuration it also runs the
// watchdog that reaps sessions whose idle timeout has passed. The HTTP
// transport also serves Prometheus metrics on server.metrics_path.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
