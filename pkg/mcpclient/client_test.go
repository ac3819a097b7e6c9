package mcpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMCPServer(t *testing.T) *httptest.Server {
	t.Helper()

	mcpServer := server.NewMCPServer("mcpauth-test-server", "1.0.0",
		server.WithToolCapabilities(false),
	)
	mcpServer.AddTool(
		mcp.NewTool("echo", mcp.WithDescription("echoes its input")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("echoed"), nil
		},
	)

	handler := server.NewStreamableHTTPServer(mcpServer)
	return httptest.NewServer(handler)
}

func TestClient_ConnectAndListTools(t *testing.T) {
	srv := newTestMCPServer(t)
	defer srv.Close()

	c := New(srv.URL, TransportHTTP, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	assert.Equal(t, TransportHTTP, c.UsedTransport())

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestClient_CallTool(t *testing.T) {
	srv := newTestMCPServer(t)
	defer srv.Close()

	c := New(srv.URL, TransportHTTP, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	result, err := c.CallTool(context.Background(), "echo", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Content)
}

func TestClient_OperationsBeforeConnectReturnErrNotConnected(t *testing.T) {
	c := New("http://example.invalid", TransportHTTP, nil)

	_, err := c.ListTools(context.Background())
	assert.Equal(t, ErrNotConnected, err)

	assert.Equal(t, ErrNotConnected, c.Ping(context.Background()))
}

func TestClient_TokenFuncInjectsBearerHeader(t *testing.T) {
	var sawAuth string

	mcpServer := server.NewMCPServer("mcpauth-test-server", "1.0.0")
	baseHandler := server.NewStreamableHTTPServer(mcpServer)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		baseHandler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	c := New(srv.URL, TransportHTTP, func(ctx context.Context) string { return "test-token" })
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	assert.Equal(t, "Bearer test-token", sawAuth)
}
