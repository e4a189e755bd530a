// Package mcpserver exposes sandbox sessions over the Model Context Protocol.
//
// Every tool is a thin call into session.Manager: create_sandbox and
// connect_sandbox return the registry record, the command and file tools act
// on a session by id, and the template tools drive the template catalog.
// Results are JSON text. Sandbox failures are returned as tool errors whose
// body carries the error class from errdefs.Code, so clients can tell a
// missing session from a failed command.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, manager, metrics.New())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
