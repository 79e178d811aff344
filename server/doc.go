// Package server provides the core MCP server implementation.
//
// This package implements the server side of the protocol: the capability
// registries (tools, resources, prompts, completion), the per-connection
// Session with its outbound request correlation, and the cross-cutting
// subsystems (pagination, subscriptions, list-changed observers, progress
// tracking, heartbeat failure detection, roots caching). Most users should
// use the higher-level openmcp package instead of this package directly.
//
// # Server
//
// The Server type manages tool, resource, and prompt registrations:
//
//	srv := server.New(server.Info{
//	    Name:    "my-server",
//	    Version: "1.0.0",
//	    Capabilities: server.Capabilities{
//	        Tools:     true,
//	        Resources: true,
//	        Prompts:   true,
//	    },
//	})
//
// Registries seal when serving starts; WithDynamicCapabilities keeps them
// mutable and broadcasts the matching list_changed notification on every
// change.
//
// # Tools
//
// Tools are registered using the fluent builder API:
//
//	type SearchInput struct {
//	    Query string `json:"query" jsonschema:"required"`
//	}
//
//	srv.Tool("search").
//	    Description("Search for items").
//	    Handler(func(ctx context.Context, input SearchInput) ([]string, error) {
//	        return []string{"result1", "result2"}, nil
//	    })
//
// Handler return values are normalized into the tools/call result shape;
// handler failures that are not protocol errors become isError results.
//
// # Resources
//
// Static resources are addressed by exact URI, templated resources by an
// RFC 6570 URI template:
//
//	srv.Resource("config://app").
//	    Name("Configuration").
//	    MimeType("application/json").
//	    Handler(func(ctx context.Context, uri string, params map[string]string) (any, error) {
//	        return map[string]any{"debug": true}, nil
//	    })
//
//	srv.ResourceTemplate("users://{id}/profile").
//	    Name("User profile").
//	    Handler(func(ctx context.Context, uri string, params map[string]string) (any, error) {
//	        return "profile of " + params["id"], nil
//	    })
//
// # Prompts
//
// Prompts expose parameterized templates:
//
//	srv.Prompt("greet").
//	    Description("Generate a greeting").
//	    Argument("name", "Name to greet", true).
//	    Handler(func(ctx context.Context, args map[string]string) (any, error) {
//	        return []server.PromptMessage{server.UserText("Hello, " + args["name"])}, nil
//	    })
//
// # Sessions
//
// A Session is created per transport connection. Server-initiated traffic
// goes through it: Session.CreateMessage (sampling, gated by a per-session
// semaphore and circuit breaker), Session.Elicit (user input against a flat
// schema), Session.RootsList and Session.RootGuard (client filesystem
// boundaries with a debounced cache).
package server
