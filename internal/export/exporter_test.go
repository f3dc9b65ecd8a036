package export

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/memvra/mnemos/internal/adapter"
	"github.com/memvra/mnemos/internal/db"
	"github.com/memvra/mnemos/internal/memory"
)

var generated = time.Date(2026, 2, 25, 11, 0, 0, 0, time.UTC)

func sampleExportData() ExportData {
	past := generated.Add(-time.Hour)
	return ExportData{
		Namespace:   "testapp",
		GeneratedAt: generated,
		Memories: []memory.Memory{
			{ID: "1", Content: "Use PostgreSQL for storage", MemoryType: memory.TypeSemantic, Importance: memory.ImportanceHigh, Tags: []string{"db"}, CreatedAt: past},
			{ID: "2", Content: "Run make migrate before deploys", MemoryType: memory.TypeProcedural, Importance: memory.ImportanceMedium, CreatedAt: past},
			{ID: "3", Content: "Debugged the flaky\nauth test", MemoryType: memory.TypeEpisodic, Importance: memory.ImportanceLow, CreatedAt: past},
			{ID: "4", Content: "Scratch note", MemoryType: memory.TypeWorking, Importance: memory.ImportanceTrivial, CreatedAt: past, ExpiresAt: &past},
		},
		Associations: []memory.Association{
			{SourceID: "1", TargetID: "2", RelationType: "related", Strength: 0.5},
			{SourceID: "2", TargetID: "3", RelationType: "related", Strength: 0.5},
			{SourceID: "3", TargetID: "1", RelationType: "next_chunk", Strength: 1},
		},
		Chains: []memory.Chain{
			{ID: "c1", Name: "deploy flow", ChainType: memory.ChainImplementation, MemberIDs: []string{"2", "1", "gone"}},
		},
	}
}

func TestGet_ValidFormats(t *testing.T) {
	for _, f := range []string{"markdown", "json", "JSON"} {
		if _, ok := Get(f); !ok {
			t.Errorf("Get(%q) should succeed", f)
		}
	}
	if _, ok := Get("yaml"); ok {
		t.Error("Get(yaml) should fail")
	}
	if got := strings.Join(ValidFormats(), ","); got != "json,markdown" {
		t.Errorf("ValidFormats = %q", got)
	}
}

func TestMarkdownExporter(t *testing.T) {
	out, err := (&MarkdownExporter{}).Export(sampleExportData())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	checks := []string{
		"# testapp: Memory Export",
		"_4 memories, 3 associations, 1 chains; generated 2026-02-25 11:00 UTC_",
		"## Knowledge",
		"- **high** Use PostgreSQL for storage `db`",
		"## Procedures",
		"## Episodes",
		"Debugged the flaky auth test",
		"Scratch note _(expired)_",
		"### deploy flow (implementation)",
		"1. Run make migrate before deploys",
		"2. Use PostgreSQL for storage",
		"3. gone",
		"| related | 2 |",
		"| next_chunk | 1 |",
	}
	for _, c := range checks {
		if !strings.Contains(out, c) {
			t.Errorf("markdown missing %q", c)
		}
	}
	if strings.Contains(out, "## Consolidated") {
		t.Error("empty sections should be omitted")
	}
}

func TestMarkdownExporter_Empty(t *testing.T) {
	out, err := (&MarkdownExporter{}).Export(ExportData{Namespace: "empty", GeneratedAt: generated})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if strings.Contains(out, "##") {
		t.Errorf("empty export should have no sections:\n%s", out)
	}
}

func TestJSONExporter(t *testing.T) {
	out, err := (&JSONExporter{}).Export(sampleExportData())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	var parsed jsonOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Namespace != "testapp" {
		t.Errorf("namespace: %q", parsed.Namespace)
	}
	if parsed.Counts != (jsonCounts{Memories: 4, Associations: 3, Chains: 1}) {
		t.Errorf("counts: %+v", parsed.Counts)
	}
	if len(parsed.Memories["semantic"]) != 1 || parsed.Memories["semantic"][0].Importance != "high" {
		t.Errorf("semantic group: %+v", parsed.Memories["semantic"])
	}
	if len(parsed.Memories["working"]) != 1 || parsed.Memories["working"][0].ExpiresAt == nil {
		t.Errorf("working group: %+v", parsed.Memories["working"])
	}
}

func TestJSONExporter_EmptyListsNotNull(t *testing.T) {
	out, err := (&JSONExporter{}).Export(ExportData{Namespace: "empty"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.Contains(out, `"associations": []`) || !strings.Contains(out, `"chains": []`) {
		t.Errorf("expected empty arrays:\n%s", out)
	}
}

func TestCollect(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), db.WithDimension(8))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	now := generated
	svc, err := memory.NewService(database, "proj", memory.Options{
		Embedder: adapter.NewLocal(8),
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	soon := now.Add(time.Minute)
	var ids []string
	for i, c := range []string{"first note", "second note", "third note"} {
		req := memory.StoreRequest{Content: c}
		if i == 2 {
			req.ExpiresAt = &soon
		}
		res, err := svc.Remember(ctx, req)
		if err != nil {
			t.Fatalf("Remember: %v", err)
		}
		ids = append(ids, res.ID)
	}
	if _, err := svc.Graph.Link(ctx, "proj", memory.LinkRequest{SourceID: ids[0], TargetIDs: ids[1:]}); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := svc.Chains.Execute(ctx, "proj", memory.NewCreateOp(memory.CreateChain{Name: "steps", MemberIDs: ids})); err != nil {
		t.Fatalf("create chain: %v", err)
	}
	now = now.Add(time.Hour)

	data, err := Collect(ctx, svc, false)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if data.Namespace != "proj" || len(data.Memories) != 2 {
		t.Errorf("active export: ns=%q memories=%d", data.Namespace, len(data.Memories))
	}
	if len(data.Chains) != 1 {
		t.Errorf("chains: %d", len(data.Chains))
	}

	all, err := Collect(ctx, svc, true)
	if err != nil {
		t.Fatalf("Collect(includeExpired): %v", err)
	}
	expired := 0
	for _, m := range all.Memories {
		if m.Expired {
			expired++
		}
	}
	if len(all.Memories) != 3 || expired != 1 {
		t.Errorf("with expired: %d memories, %d expired", len(all.Memories), expired)
	}
}
