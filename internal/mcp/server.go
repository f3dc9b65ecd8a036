// Package mcp exposes the memory services as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/memvra/mnemos/internal/memory"
	"github.com/memvra/mnemos/internal/registry"
)

// Server routes tool calls to the registry. Every tool takes an optional
// namespace argument; calls without one use the server's default.
type Server struct {
	reg     *registry.Registry
	ns      string
	log     *slog.Logger
	version string
}

// New creates a Server bound to reg with default namespace ns.
func New(reg *registry.Registry, ns string, log *slog.Logger, version string) *Server {
	return &Server{reg: reg, ns: ns, log: log, version: version}
}

// MCPServer builds the mcp-go server with every tool registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer(
		"mnemos",
		s.version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range s.tools() {
		srv.AddTool(t.def, t.handle)
	}
	return srv
}

// Serve runs the stdio transport until stdin closes.
func (s *Server) Serve() error {
	return server.ServeStdio(s.MCPServer())
}

const instructions = `Mnemos is a long-term memory store. Store durable facts, decisions and
procedures with memory_store; call memory_context at the start of a task to
load what is already known. Link related memories and record multi-step
reasoning as chains so later sessions can follow it.`

type tool struct {
	def    mcp.Tool
	handle func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

func nsOption() mcp.ToolOption {
	return mcp.WithString("namespace", mcp.Description("Namespace to use (default: the server's namespace)"))
}

func (s *Server) tools() []tool {
	return []tool{
		{mcp.NewTool("memory_store",
			mcp.WithDescription("Store a memory. Long content is split into linked chunks. Returns the new memory ID."),
			mcp.WithString("content", mcp.Required(), mcp.Description("What to remember")),
			mcp.WithString("memory_type", mcp.Description("episodic, semantic, procedural, working (default semantic)")),
			mcp.WithString("importance", mcp.Description("critical, high, medium, low, trivial (default medium)")),
			mcp.WithString("tags", mcp.Description("Comma-separated tags")),
			mcp.WithNumber("ttl_hours", mcp.Description("Expire the memory after this many hours")),
			nsOption(),
		), s.handleStore},

		{mcp.NewTool("memory_get",
			mcp.WithDescription("Fetch a memory by ID. Counts as an access and reinforces its strength."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Memory ID")),
			mcp.WithBoolean("include_expired", mcp.Description("Return the memory even if it has expired")),
			mcp.WithBoolean("reassemble", mcp.Description("For a chunk, return the full original content")),
			nsOption(),
		), s.handleGet},

		{mcp.NewTool("memory_query",
			mcp.WithDescription("List memories by filter, with pagination."),
			mcp.WithString("memory_type", mcp.Description("Comma-separated memory types")),
			mcp.WithString("importance", mcp.Description("Comma-separated importance tiers")),
			mcp.WithString("tags", mcp.Description("Comma-separated tags; any match")),
			mcp.WithString("contains", mcp.Description("Substring of the content")),
			mcp.WithString("order_by", mcp.Description("created_at, updated_at, importance, access_count, last_accessed_at")),
			mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 500)")),
			mcp.WithNumber("offset", mcp.Description("Rows to skip")),
			mcp.WithBoolean("include_expired", mcp.Description("Include expired memories")),
			nsOption(),
		), s.handleQuery},

		{mcp.NewTool("memory_search",
			mcp.WithDescription("Semantic search over memories, optionally enriched with related memories and chains."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language query")),
			mcp.WithNumber("limit", mcp.Description("Maximum hits (default 10)")),
			mcp.WithNumber("min_similarity", mcp.Description("Similarity floor in [0,1]")),
			mcp.WithString("memory_type", mcp.Description("Comma-separated memory types")),
			mcp.WithString("tags", mcp.Description("Comma-separated tags")),
			mcp.WithBoolean("include_related", mcp.Description("Attach associated memories to each hit")),
			mcp.WithBoolean("include_chains", mcp.Description("Attach the chains each hit belongs to")),
			nsOption(),
		), s.handleSearch},

		{mcp.NewTool("memory_delete",
			mcp.WithDescription("Permanently delete memories by ID or by criteria. Use dry_run to preview."),
			mcp.WithString("ids", mcp.Description("Comma-separated memory IDs")),
			mcp.WithString("tags", mcp.Description("Delete memories carrying any of these tags")),
			mcp.WithNumber("older_than_days", mcp.Description("Delete memories created before this many days ago")),
			mcp.WithBoolean("expired_only", mcp.Description("Only delete expired memories")),
			mcp.WithBoolean("dry_run", mcp.Description("Report what would be deleted")),
			nsOption(),
		), s.handleDelete},

		{mcp.NewTool("memory_link",
			mcp.WithDescription("Create association edges from one memory to others."),
			mcp.WithString("source_id", mcp.Required(), mcp.Description("Source memory ID")),
			mcp.WithString("target_ids", mcp.Required(), mcp.Description("Comma-separated target IDs")),
			mcp.WithString("relation_type", mcp.Description("Relation name (default related)")),
			mcp.WithNumber("strength", mcp.Description("Edge strength in [0,1] (default 1)")),
			mcp.WithBoolean("bidirectional", mcp.Description("Also create reverse edges")),
			nsOption(),
		), s.handleLink},

		{mcp.NewTool("memory_unlink",
			mcp.WithDescription("Remove association edges between two memories."),
			mcp.WithString("source_id", mcp.Required(), mcp.Description("Source memory ID")),
			mcp.WithString("target_id", mcp.Required(), mcp.Description("Target memory ID")),
			mcp.WithBoolean("bidirectional", mcp.Description("Also remove reverse edges")),
			nsOption(),
		), s.handleUnlink},

		{mcp.NewTool("memory_related",
			mcp.WithDescription("Walk the association graph from a memory."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Start memory ID")),
			mcp.WithNumber("depth", mcp.Description("Maximum hops (default 2)")),
			nsOption(),
		), s.handleRelated},

		{mcp.NewTool("memory_autolink",
			mcp.WithDescription("Link a memory to its most similar neighbours."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Memory ID")),
			mcp.WithNumber("threshold", mcp.Description("Minimum similarity (default 0.75)")),
			mcp.WithNumber("max_links", mcp.Description("Maximum links (default 5)")),
			mcp.WithBoolean("dry_run", mcp.Description("Only list candidates")),
			nsOption(),
		), s.handleAutoLink},

		{mcp.NewTool("memory_context",
			mcp.WithDescription("Assemble a token-budgeted context window for a task or question."),
			mcp.WithString("query", mcp.Required(), mcp.Description("What you are working on")),
			mcp.WithNumber("max_tokens", mcp.Description("Token budget (default from config)")),
			mcp.WithBoolean("include_associations", mcp.Description("Include associated memories (default true)")),
			mcp.WithBoolean("include_chains", mcp.Description("Include reasoning chains (default true)")),
			mcp.WithBoolean("include_contextual", mcp.Description("Include co-accessed and recent memories (default true)")),
			nsOption(),
		), s.handleContext},

		{mcp.NewTool("memory_consolidate",
			mcp.WithDescription("Find redundant memories and merge them. Dry run unless apply is true."),
			mcp.WithString("strategy", mcp.Description("similarity, temporal, tag_based, importance")),
			mcp.WithNumber("threshold", mcp.Description("Grouping threshold in [0,1]")),
			mcp.WithBoolean("apply", mcp.Description("Perform the merges")),
			nsOption(),
		), s.handleConsolidate},

		{mcp.NewTool("memory_fading",
			mcp.WithDescription("List memories whose retrievability has decayed below a threshold."),
			mcp.WithNumber("threshold", mcp.Description("Retrievability threshold (default from config)")),
			mcp.WithNumber("limit", mcp.Description("Maximum memories (default 20)")),
			nsOption(),
		), s.handleFading},

		{mcp.NewTool("memory_review",
			mcp.WithDescription("Record a review of a memory, reinforcing or lapsing its strength."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Memory ID")),
			mcp.WithBoolean("success", mcp.Description("Whether recall succeeded (default true)")),
			nsOption(),
		), s.handleReview},

		{mcp.NewTool("memory_chain",
			mcp.WithDescription("Create, extend or find reasoning chains. The operation field selects which."),
			mcp.WithString("operation", mcp.Required(), mcp.Description("create, extend or find")),
			mcp.WithString("name", mcp.Description("create: chain name; find: name substring")),
			mcp.WithString("description", mcp.Description("create: what the chain captures")),
			mcp.WithString("chain_type", mcp.Description("reasoning, implementation, debugging, exploration, conversation")),
			mcp.WithString("chain_id", mcp.Description("extend: chain to append to")),
			mcp.WithString("memory_ids", mcp.Description("create/extend: comma-separated member IDs in order")),
			mcp.WithString("memory_id", mcp.Description("find: chains containing this memory")),
			mcp.WithNumber("limit", mcp.Description("find: maximum chains")),
			nsOption(),
		), s.handleChain},

		{mcp.NewTool("memory_stats",
			mcp.WithDescription("Report counts, strength and index statistics for a namespace."),
			nsOption(),
		), s.handleStats},
	}
}

// service resolves the namespace argument.
func (s *Server) service(req mcp.CallToolRequest) (*memory.Service, error) {
	ns := req.GetString("namespace", "")
	if ns == "" {
		ns = s.ns
	}
	return s.reg.Service(ns)
}
