// Package mcpclient wraps github.com/mark3labs/mcp-go's client and
// client/transport packages behind the transport-agnostic surface
// session.Session needs: connect, list, call, close. On streamable-HTTP the
// access token is injected per-request rather than baked into a fixed
// header set; on SSE it is read once when the stream is opened.
//
// Grounded on giantswarm-muster's internal/agent.Client (transport
// selection, createAndConnectClient) and internal/mcpserver's
// DynamicAuthClient (dynamic Authorization header via
// transport.WithHTTPHeaderFunc, so a refreshed token is picked up without
// reconnecting).
package mcpclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"mcpauth/pkg/oauth"
)

// TransportMode selects which wire transport to use.
type TransportMode string

const (
	// TransportAuto tries streamable-HTTP first and falls back to SSE if
	// the server doesn't speak it, matching spec.md §4.D step 4.
	TransportAuto          TransportMode = "auto"
	TransportHTTP          TransportMode = "http"
	TransportSSE           TransportMode = "sse"
)

// ClientName/ClientVersion identify this module to the servers it talks to
// during the MCP initialize handshake.
const (
	ClientName    = "mcpauth"
	ClientVersion = "0.1.0"
)

// ErrNotConnected is returned by every operation issued before Connect
// succeeds.
var ErrNotConnected = errors.New("mcpclient: not connected")

// TokenFunc returns the current bearer token to send with outbound
// requests, or "" if none is available yet. On streamable-HTTP it is called
// on every request, not just at connect time, so a token refreshed
// mid-session is picked up automatically; the SSE transport calls it once,
// when Connect opens the stream.
type TokenFunc func(ctx context.Context) string

// Client is a transport-agnostic MCP client bound to one server URL.
type Client struct {
	serverURL string
	mode      TransportMode
	tokenFunc TokenFunc

	inner client.MCPClient

	// usedTransport records which transport "auto" actually settled on, for
	// callers that want to log or display it.
	usedTransport TransportMode
}

// New constructs a Client. No network I/O happens until Connect.
func New(serverURL string, mode TransportMode, tokenFunc TokenFunc) *Client {
	if tokenFunc == nil {
		tokenFunc = func(context.Context) string { return "" }
	}
	return &Client{serverURL: serverURL, mode: mode, tokenFunc: tokenFunc}
}

// UsedTransport reports which transport Connect settled on ("" before a
// successful Connect).
func (c *Client) UsedTransport() TransportMode { return c.usedTransport }

func (c *Client) headerFunc(ctx context.Context) map[string]string {
	tok := c.tokenFunc(ctx)
	if tok == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

// Connect opens the transport and performs the MCP initialize handshake.
// For TransportAuto it tries streamable-HTTP first; a failure that looks
// like a protocol/transport mismatch (rather than a 401, which the caller
// handles separately via IsUnauthorized) triggers an SSE retry.
func (c *Client) Connect(ctx context.Context) error {
	switch c.mode {
	case TransportHTTP:
		inner, err := c.connectStreamableHTTP(ctx)
		if err != nil {
			return err
		}
		c.inner, c.usedTransport = inner, TransportHTTP
	case TransportSSE:
		inner, err := c.connectSSE(ctx)
		if err != nil {
			return err
		}
		c.inner, c.usedTransport = inner, TransportSSE
	case TransportAuto, "":
		inner, err := c.connectStreamableHTTP(ctx)
		if err == nil {
			c.inner, c.usedTransport = inner, TransportHTTP
			return nil
		}
		if oauth.IsUnauthorized(err) {
			return err
		}
		sseInner, sseErr := c.connectSSE(ctx)
		if sseErr != nil {
			return fmt.Errorf("streamable-http failed (%v) and sse fallback also failed: %w", err, sseErr)
		}
		c.inner, c.usedTransport = sseInner, TransportSSE
	default:
		return fmt.Errorf("unsupported transport mode %q", c.mode)
	}
	return nil
}

func (c *Client) connectStreamableHTTP(ctx context.Context) (client.MCPClient, error) {
	opts := []transport.StreamableHTTPCOption{transport.WithHTTPHeaderFunc(c.headerFunc)}
	inner, err := client.NewStreamableHttpClient(c.serverURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create streamable-http client: %w", err)
	}
	if err := c.initialize(ctx, inner); err != nil {
		_ = inner.Close()
		return nil, err
	}
	return inner, nil
}

func (c *Client) connectSSE(ctx context.Context) (client.MCPClient, error) {
	headers := c.headerFunc(ctx)
	var opts []transport.ClientOption
	if len(headers) > 0 {
		opts = append(opts, transport.WithHeaders(headers))
	}
	inner, err := client.NewSSEMCPClient(c.serverURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sse client: %w", err)
	}
	if err := inner.Start(ctx); err != nil {
		return nil, fmt.Errorf("start sse transport: %w", err)
	}
	if err := c.initialize(ctx, inner); err != nil {
		_ = inner.Close()
		return nil, err
	}
	return inner, nil
}

func (c *Client) initialize(ctx context.Context, inner client.MCPClient) error {
	_, err := inner.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo:      mcp.Implementation{Name: ClientName, Version: ClientVersion},
			Capabilities:    mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		return fmt.Errorf("initialize mcp session: %w", err)
	}
	return nil
}

// Close shuts the underlying transport down.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	err := c.inner.Close()
	c.inner = nil
	return err
}

func (c *Client) require() error {
	if c.inner == nil {
		return ErrNotConnected
	}
	return nil
}

// ListTools lists the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := c.require(); err != nil {
		return nil, err
	}
	result, err := c.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes a tool by name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := c.require(); err != nil {
		return nil, err
	}
	return c.inner.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{Name: name, Arguments: args},
	})
}

// ListResources lists the server's resources.
func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	if err := c.require(); err != nil {
		return nil, err
	}
	result, err := c.inner.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, err
	}
	return result.Resources, nil
}

// ListResourceTemplates lists the server's resource templates.
func (c *Client) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	if err := c.require(); err != nil {
		return nil, err
	}
	result, err := c.inner.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
	if err != nil {
		return nil, err
	}
	return result.ResourceTemplates, nil
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if err := c.require(); err != nil {
		return nil, err
	}
	return c.inner.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: struct {
			URI       string         `json:"uri"`
			Arguments map[string]any `json:"arguments,omitempty"`
		}{URI: uri},
	})
}

// ListPrompts lists the server's prompts.
func (c *Client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	if err := c.require(); err != nil {
		return nil, err
	}
	result, err := c.inner.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

// GetPrompt retrieves one prompt by name.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if err := c.require(); err != nil {
		return nil, err
	}
	return c.inner.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{Name: name, Arguments: args},
	})
}

// Ping checks server responsiveness.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.require(); err != nil {
		return err
	}
	return c.inner.Ping(ctx)
}
