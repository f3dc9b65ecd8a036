package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/memvra/mnemos/internal/errs"
)

func TestChains_CreateExtendFind(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "hypothesis"})
	b := mustStore(t, svc, StoreRequest{Content: "experiment"})
	c := mustStore(t, svc, StoreRequest{Content: "conclusion"})

	created, err := svc.Chains.Execute(ctx, "proj", NewCreateOp(CreateChain{
		Name:      "Cache bug",
		ChainType: ChainDebugging,
		MemberIDs: []string{a, b},
	}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Kind != ChainOpCreate || created.Chain == nil || created.Appended != 2 {
		t.Fatalf("create result: %+v", created)
	}
	if created.Chain.Importance != ImportanceMedium {
		t.Errorf("default importance: %q", created.Chain.Importance)
	}
	id := created.Chain.ID

	ext, err := svc.Chains.Execute(ctx, "proj", NewExtendOp(ExtendChain{ChainID: id, MemberIDs: []string{c}}))
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	want := []string{a, b, c}
	if len(ext.Chain.MemberIDs) != 3 {
		t.Fatalf("members after extend: %v", ext.Chain.MemberIDs)
	}
	for i := range want {
		if ext.Chain.MemberIDs[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, ext.Chain.MemberIDs[i], want[i])
		}
	}

	found, err := svc.Chains.Execute(ctx, "proj", NewFindOp(FindChains{MemoryID: c}))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found.Chains) != 1 || found.Chains[0].ID != id {
		t.Errorf("find by member: %+v", found.Chains)
	}
	byName, _ := svc.Chains.Execute(ctx, "proj", NewFindOp(FindChains{Name: "cache"}))
	if len(byName.Chains) != 1 {
		t.Errorf("find by name: %d chains", len(byName.Chains))
	}
	byType, _ := svc.Chains.Execute(ctx, "proj", NewFindOp(FindChains{ChainType: ChainReasoning}))
	if len(byType.Chains) != 0 {
		t.Errorf("find by other type: %d chains", len(byType.Chains))
	}

	got, err := svc.Chains.Get(ctx, "proj", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccessCount != 1 || got.LastAccessedAt == nil {
		t.Errorf("access not recorded: %+v", got)
	}
}

func TestChains_Validation(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "a"})

	tests := []struct {
		name string
		op   ChainOp
		want error
	}{
		{"no variant", ChainOp{Kind: ChainOpCreate}, errs.ErrInvalidInput},
		{"two variants", ChainOp{Kind: ChainOpCreate, Create: &CreateChain{}, Find: &FindChains{}}, errs.ErrInvalidInput},
		{"kind mismatch", ChainOp{Kind: ChainOpExtend, Create: &CreateChain{Name: "x"}}, errs.ErrInvalidInput},
		{"unnamed", NewCreateOp(CreateChain{MemberIDs: []string{a}}), errs.ErrInvalidInput},
		{"bad type", NewCreateOp(CreateChain{Name: "x", ChainType: "epic", MemberIDs: []string{a}}), errs.ErrInvalidInput},
		{"no members", NewCreateOp(CreateChain{Name: "x"}), errs.ErrInvalidInput},
		{"missing member", NewCreateOp(CreateChain{Name: "x", MemberIDs: []string{a, uuid.NewString()}}), errs.ErrNotFound},
		{"missing chain", NewExtendOp(ExtendChain{ChainID: uuid.NewString(), MemberIDs: []string{a}}), errs.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Chains.Execute(ctx, "proj", tt.op); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if n, _ := svc.Chains.Count(ctx, "proj"); n != 0 {
		t.Errorf("failed creates left %d chains", n)
	}
}

func TestChains_DeletedMemoryLeavesChain(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "a"})
	b := mustStore(t, svc, StoreRequest{Content: "b"})
	res, _ := svc.Chains.Execute(ctx, "proj", NewCreateOp(CreateChain{Name: "pair", MemberIDs: []string{a, b}}))

	if _, err := svc.Store.DeleteByID(ctx, "proj", a, false); err != nil {
		t.Fatalf("DeleteByID: %v", err)
	}
	got, err := svc.Chains.Get(ctx, "proj", res.Chain.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.MemberIDs) != 1 || got.MemberIDs[0] != b {
		t.Errorf("members after delete: %v", got.MemberIDs)
	}
}
