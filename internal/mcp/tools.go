package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	mctx "github.com/memvra/mnemos/internal/context"
	"github.com/memvra/mnemos/internal/errs"
	"github.com/memvra/mnemos/internal/memory"
)

func (s *Server) handleStore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: content"), nil
	}
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_store", err), nil
	}

	sr := memory.StoreRequest{
		Content:    content,
		MemoryType: memory.MemoryType(strings.ToLower(req.GetString("memory_type", ""))),
		Importance: memory.Importance(strings.ToLower(req.GetString("importance", ""))),
		Tags:       listArg(req, "tags"),
	}
	if meta, ok := req.GetArguments()["metadata"].(map[string]any); ok {
		sr.Metadata = meta
	}
	if ttl := floatArg(req, "ttl_hours", 0); ttl > 0 {
		exp := time.Now().UTC().Add(time.Duration(ttl * float64(time.Hour)))
		sr.ExpiresAt = &exp
	}

	res, err := svc.Remember(ctx, sr)
	if err != nil {
		return s.fail("memory_store", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_get", err), nil
	}

	m, err := svc.Get(ctx, id, memory.GetOptions{IncludeExpired: boolArg(req, "include_expired", false)})
	if err != nil {
		return s.fail("memory_get", err), nil
	}
	if boolArg(req, "reassemble", false) {
		if _, ok := m.Metadata[memory.MetaChunkParent]; ok {
			content, ids, err := svc.Reassemble(ctx, m.ID)
			if err != nil {
				return s.fail("memory_get", err), nil
			}
			return jsonResult(struct {
				memory.Memory
				Reassembled string   `json:"reassembled"`
				ChunkIDs    []string `json:"chunk_ids"`
			}{m, content, ids})
		}
	}
	return jsonResult(m)
}

func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_query", err), nil
	}

	f := memory.Filter{
		Tags:           listArg(req, "tags"),
		Contains:       req.GetString("contains", ""),
		IncludeExpired: boolArg(req, "include_expired", false),
	}
	for _, t := range listArg(req, "memory_type") {
		f.Types = append(f.Types, memory.MemoryType(strings.ToLower(t)))
	}
	for _, name := range listArg(req, "importance") {
		imp, err := memory.ParseImportance(name)
		if err != nil {
			return s.fail("memory_query", err), nil
		}
		f.Importances = append(f.Importances, imp)
	}
	p := memory.Page{
		Limit:   intArg(req, "limit", memory.DefaultPageLimit),
		Offset:  intArg(req, "offset", 0),
		OrderBy: req.GetString("order_by", ""),
	}

	res, err := svc.Store.Query(ctx, svc.Namespace, f, p)
	if err != nil {
		return s.fail("memory_query", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: query"), nil
	}
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_search", err), nil
	}

	sr := memory.SearchRequest{
		Query:          query,
		Limit:          intArg(req, "limit", 10),
		MinSimilarity:  floatArg(req, "min_similarity", 0),
		Tags:           listArg(req, "tags"),
		IncludeRelated: boolArg(req, "include_related", false),
		IncludeChains:  boolArg(req, "include_chains", false),
		Timeout:        s.reg.Config().Context.PipelineTimeout,
	}
	for _, t := range listArg(req, "memory_type") {
		sr.Types = append(sr.Types, memory.MemoryType(strings.ToLower(t)))
	}

	res, err := svc.Search(ctx, sr)
	if err != nil {
		return s.fail("memory_search", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_delete", err), nil
	}
	dryRun := boolArg(req, "dry_run", false)

	var res memory.DeleteResult
	if ids := listArg(req, "ids"); len(ids) > 0 {
		res, err = svc.Store.DeleteByIDs(ctx, svc.Namespace, ids, dryRun)
	} else {
		crit := memory.DeleteCriteria{
			Tags:        listArg(req, "tags"),
			ExpiredOnly: boolArg(req, "expired_only", false),
			DryRun:      dryRun,
		}
		if days := floatArg(req, "older_than_days", 0); days > 0 {
			crit.OlderThan = time.Duration(days * 24 * float64(time.Hour))
		}
		if len(crit.Tags) == 0 && crit.OlderThan == 0 && !crit.ExpiredOnly {
			return mcp.NewToolResultError("give ids, tags, older_than_days or expired_only"), nil
		}
		res, err = svc.Store.DeleteByCriteria(ctx, svc.Namespace, crit)
	}
	if err != nil {
		return s.fail("memory_delete", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleLink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: source_id"), nil
	}
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_link", err), nil
	}

	lr := memory.LinkRequest{
		SourceID:      source,
		TargetIDs:     listArg(req, "target_ids"),
		Bidirectional: boolArg(req, "bidirectional", false),
		RelationType:  req.GetString("relation_type", ""),
	}
	if _, ok := req.GetArguments()["strength"]; ok {
		lr.Strength = memory.LinkStrength(floatArg(req, "strength", 1))
	}
	res, err := svc.Graph.Link(ctx, svc.Namespace, lr)
	if err != nil {
		return s.fail("memory_link", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleUnlink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: source_id"), nil
	}
	target, err := req.RequireString("target_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: target_id"), nil
	}
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_unlink", err), nil
	}

	n, err := svc.Graph.Unlink(ctx, svc.Namespace, source, target, boolArg(req, "bidirectional", false))
	if err != nil {
		return s.fail("memory_unlink", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Removed %d edges.", n)), nil
}

func (s *Server) handleRelated(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_related", err), nil
	}

	rel, err := svc.Graph.GetRelated(ctx, svc.Namespace, id, intArg(req, "depth", 2))
	if err != nil {
		return s.fail("memory_related", err), nil
	}
	return jsonResult(rel)
}

func (s *Server) handleAutoLink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_autolink", err), nil
	}
	threshold := floatArg(req, "threshold", 0.75)
	maxLinks := intArg(req, "max_links", 5)

	if boolArg(req, "dry_run", false) {
		cands, err := svc.Graph.FindLinkable(ctx, svc.Namespace, id, threshold, maxLinks)
		if err != nil {
			return s.fail("memory_autolink", err), nil
		}
		return jsonResult(cands)
	}
	res, err := svc.Graph.AutoLink(ctx, svc.Namespace, id, threshold, maxLinks)
	if err != nil {
		return s.fail("memory_autolink", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: query"), nil
	}
	ns := req.GetString("namespace", "")
	if ns == "" {
		ns = s.ns
	}
	asm, err := s.reg.Assembler(ns)
	if err != nil {
		return s.fail("memory_context", err), nil
	}

	opts := s.reg.ContextOptions()
	opts.MaxTokens = intArg(req, "max_tokens", opts.MaxTokens)
	opts.IncludeAssociations = boolArg(req, "include_associations", opts.IncludeAssociations)
	opts.IncludeChains = boolArg(req, "include_chains", opts.IncludeChains)
	opts.IncludeContextual = boolArg(req, "include_contextual", opts.IncludeContextual)

	w, err := asm.BuildContextWindow(ctx, query, nil, opts)
	if err != nil {
		return s.fail("memory_context", err), nil
	}
	text := mctx.NewFormatter().Format(w)
	if text == "" {
		text = "No relevant memories."
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleConsolidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_consolidate", err), nil
	}
	cfg := s.reg.Config().Consolidation
	st, err := memory.ParseStrategy(req.GetString("strategy", cfg.Strategy))
	if err != nil {
		return s.fail("memory_consolidate", err), nil
	}
	apply := boolArg(req, "apply", false)

	clusters, err := svc.Consolidator.FindClusters(ctx, svc.Namespace, memory.FindOptions{
		Strategy:       st,
		Threshold:      floatArg(req, "threshold", cfg.Threshold),
		MaxClusterSize: cfg.MaxClusterSize,
	})
	if err != nil {
		return s.fail("memory_consolidate", err), nil
	}
	if len(clusters) == 0 {
		return mcp.NewToolResultText("Nothing to consolidate."), nil
	}

	var b strings.Builder
	for _, cl := range clusters {
		res, err := svc.Consolidator.Merge(ctx, svc.Namespace, cl, !apply)
		if err != nil {
			s.log.Warn("merge skipped", "centroid", cl.CentroidID, "err", err)
			fmt.Fprintf(&b, "skipped group around %s: %v\n", cl.CentroidID, err)
			continue
		}
		b.WriteString(res.Summary())
		b.WriteString("\n")
	}
	if !apply {
		b.WriteString("\nDry run. Call again with apply=true to merge.")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleFading(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_fading", err), nil
	}
	threshold := floatArg(req, "threshold", s.reg.Config().Strength.FadingThreshold)

	fading, err := svc.Strength.GetFadingMemories(ctx, svc.Namespace, threshold, intArg(req, "limit", 20))
	if err != nil {
		return s.fail("memory_fading", err), nil
	}
	return jsonResult(fading)
}

func (s *Server) handleReview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_review", err), nil
	}

	st, err := svc.Strength.UpdateStrength(ctx, svc.Namespace, id, boolArg(req, "success", true), "")
	if err != nil {
		return s.fail("memory_review", err), nil
	}
	return jsonResult(st)
}

// handleChain decodes the operation field into one chain op variant. Fields
// that belong to other operations are ignored.
func (s *Server) handleChain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: operation"), nil
	}
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_chain", err), nil
	}

	chainType := memory.ChainType(strings.ToLower(req.GetString("chain_type", "")))
	var op memory.ChainOp
	switch memory.ChainOpKind(strings.ToLower(kind)) {
	case memory.ChainOpCreate:
		op = memory.NewCreateOp(memory.CreateChain{
			Name:        req.GetString("name", ""),
			Description: req.GetString("description", ""),
			ChainType:   chainType,
			MemberIDs:   listArg(req, "memory_ids"),
		})
	case memory.ChainOpExtend:
		op = memory.NewExtendOp(memory.ExtendChain{
			ChainID:   req.GetString("chain_id", ""),
			MemberIDs: listArg(req, "memory_ids"),
		})
	case memory.ChainOpFind:
		op = memory.NewFindOp(memory.FindChains{
			MemoryID:  req.GetString("memory_id", ""),
			ChainType: chainType,
			Name:      req.GetString("name", ""),
			Limit:     intArg(req, "limit", 20),
		})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown operation %q (valid: create, extend, find)", kind)), nil
	}

	res, err := svc.Chains.Execute(ctx, svc.Namespace, op)
	if err != nil {
		return s.fail("memory_chain", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	svc, err := s.service(req)
	if err != nil {
		return s.fail("memory_stats", err), nil
	}
	st, err := svc.Stats(ctx)
	if err != nil {
		return s.fail("memory_stats", err), nil
	}
	return jsonResult(st)
}

// fail turns err into a tool error result. Internal failures are logged;
// caller mistakes are only reported back.
func (s *Server) fail(tool string, err error) *mcp.CallToolResult {
	switch errs.KindOf(err) {
	case errs.KindInvalidInput, errs.KindNotFound:
	default:
		s.log.Error("tool failed", "tool", tool, "err", err)
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// intArg extracts an integer argument, returning def when the key is
// missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, def int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return def
	}
	return int(v)
}

func floatArg(req mcp.CallToolRequest, key string, def float64) float64 {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return def
	}
	return v
}

func boolArg(req mcp.CallToolRequest, key string, def bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return def
	}
	return v
}

// listArg accepts a comma-separated string or a JSON array of strings.
func listArg(req mcp.CallToolRequest, key string) []string {
	var raw []string
	switch v := req.GetArguments()[key].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
