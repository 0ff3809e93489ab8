// Package provider manages connections to external MCP tool providers.
//
// # Overview
//
// The provider package handles the lifecycle of tool providers: launching
// the provider process over stdio, performing the MCP initialize handshake,
// listing its tools, and keeping the capability registry in sync as
// providers come and go.
//
// # Manager
//
// The Manager tracks all connected providers:
//
//	mgr := provider.NewManager(reg, logger)
//
// Key operations:
//
//   - Connect(ctx, spec): Launch and handshake a provider, then register
//     its capabilities
//   - Disconnect(ctx, id): Tear down a provider and purge its capabilities
//   - DisconnectAll(ctx): Disconnect every provider concurrently
//   - Call(ctx, id, capability, args): Invoke a capability on a live provider
//
// # Registration Atomicity
//
// Connect registers capabilities only after the full handshake (initialize
// plus tools/list) succeeds. A failure at any point tears the session down
// and leaves the registry untouched, so the registry's flattened view always
// equals the union of the currently connected providers' capability sets.
//
// Disconnect is the mirror image: teardown errors are logged and swallowed,
// but unregistration always runs. A provider that failed to close cleanly
// must still lose its registry entries, or the router would keep dispatching
// to a dead session.
//
// # Launch Specs
//
// Providers are described by a LaunchSpec carried in configuration:
//
//	providers:
//	  - id: files
//	    command: mcp-files
//	    args: ["--root", "/data"]
//	    auto_connect: true
//
// Specs flagged auto_connect are connected once at process start.
package provider
