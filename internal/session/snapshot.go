package session

import (
	"github.com/mark3labs/mcp-go/mcp"

	"mcpauth/internal/ring"
)

// Snapshot is the Go rendition of spec.md §4.E's subscribable view: a
// consistent read of every piece of state an observer cares about, taken
// after a state mutation completes.
type Snapshot struct {
	Phase             Phase
	Tools             []mcp.Tool
	Resources         []mcp.Resource
	ResourceTemplates []mcp.ResourceTemplate
	Prompts           []mcp.Prompt
	Error             error
	AuthURL           string
	Log               []ring.Entry
}
