package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/memvra/mnemos/internal/errs"
)

// ChainType classifies a reasoning chain.
type ChainType string

const (
	ChainReasoning      ChainType = "reasoning"
	ChainImplementation ChainType = "implementation"
	ChainDebugging      ChainType = "debugging"
	ChainExploration    ChainType = "exploration"
	ChainConversation   ChainType = "conversation"
)

// ChainTypes lists every valid chain type.
var ChainTypes = []ChainType{ChainReasoning, ChainImplementation, ChainDebugging, ChainExploration, ChainConversation}

// Valid reports whether t is a known chain type.
func (t ChainType) Valid() bool {
	for _, c := range ChainTypes {
		if c == t {
			return true
		}
	}
	return false
}

// Chain is an ordered sequence of memories.
type Chain struct {
	ID             string     `json:"id"`
	Namespace      string     `json:"namespace"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	ChainType      ChainType  `json:"chain_type"`
	Importance     Importance `json:"importance"`
	MemberIDs      []string   `json:"member_ids"`
	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ChainOpKind selects the variant of a ChainOp.
type ChainOpKind string

const (
	ChainOpCreate ChainOpKind = "create"
	ChainOpExtend ChainOpKind = "extend"
	ChainOpFind   ChainOpKind = "find"
)

// CreateChain starts a new chain.
type CreateChain struct {
	Name        string
	Description string
	ChainType   ChainType
	Importance  Importance
	MemberIDs   []string
}

// ExtendChain appends memories to an existing chain.
type ExtendChain struct {
	ChainID   string
	MemberIDs []string
}

// FindChains looks chains up. An empty value lists every chain.
type FindChains struct {
	MemoryID  string    // chains containing this memory
	ChainType ChainType // only this type
	Name      string    // case-insensitive substring
	Limit     int
}

// ChainOp is a tagged union: Kind names the variant and exactly the
// matching field is set.
type ChainOp struct {
	Kind   ChainOpKind
	Create *CreateChain
	Extend *ExtendChain
	Find   *FindChains
}

// NewCreateOp wraps c as a ChainOp.
func NewCreateOp(c CreateChain) ChainOp { return ChainOp{Kind: ChainOpCreate, Create: &c} }

// NewExtendOp wraps e as a ChainOp.
func NewExtendOp(e ExtendChain) ChainOp { return ChainOp{Kind: ChainOpExtend, Extend: &e} }

// NewFindOp wraps f as a ChainOp.
func NewFindOp(f FindChains) ChainOp { return ChainOp{Kind: ChainOpFind, Find: &f} }

func (op ChainOp) validate() error {
	set := 0
	for _, p := range []bool{op.Create != nil, op.Extend != nil, op.Find != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return errs.Invalid("chain op must carry exactly one variant, got %d", set)
	}
	switch op.Kind {
	case ChainOpCreate:
		if op.Create == nil {
			return errs.Invalid("chain op %q without create payload", op.Kind)
		}
	case ChainOpExtend:
		if op.Extend == nil {
			return errs.Invalid("chain op %q without extend payload", op.Kind)
		}
	case ChainOpFind:
		if op.Find == nil {
			return errs.Invalid("chain op %q without find payload", op.Kind)
		}
	default:
		return errs.Invalid("unknown chain op %q", op.Kind)
	}
	return nil
}

// ChainResult is the outcome of Execute.
type ChainResult struct {
	Kind     ChainOpKind `json:"kind"`
	Chain    *Chain      `json:"chain,omitempty"`
	Chains   []Chain     `json:"chains,omitempty"`
	Appended int         `json:"appended,omitempty"`
}

// Chains manages reasoning chains.
type Chains struct {
	store *Store
}

// NewChains creates a Chains manager.
func NewChains(store *Store) *Chains {
	return &Chains{store: store}
}

// Execute dispatches op.
func (c *Chains) Execute(ctx context.Context, ns string, op ChainOp) (ChainResult, error) {
	if err := checkNamespace(ns); err != nil {
		return ChainResult{}, err
	}
	if err := op.validate(); err != nil {
		return ChainResult{}, err
	}
	res := ChainResult{Kind: op.Kind}
	switch op.Kind {
	case ChainOpCreate:
		ch, err := c.create(ctx, ns, *op.Create)
		if err != nil {
			return res, err
		}
		res.Chain = &ch
		res.Appended = len(ch.MemberIDs)
	case ChainOpExtend:
		ch, n, err := c.extend(ctx, ns, *op.Extend)
		if err != nil {
			return res, err
		}
		res.Chain = &ch
		res.Appended = n
	case ChainOpFind:
		chains, err := c.find(ctx, ns, *op.Find)
		if err != nil {
			return res, err
		}
		res.Chains = chains
	}
	return res, nil
}

// checkMembers verifies every id is an active memory in ns.
func (c *Chains) checkMembers(ctx context.Context, tx *sql.Tx, ns string, ids []string) error {
	for _, id := range ids {
		if err := checkID(id); err != nil {
			return err
		}
	}
	found, err := c.store.getMany(ctx, tx, ns, ids, true)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return errs.NotFound("chain: member memory %q", id)
		}
	}
	return nil
}

func (c *Chains) create(ctx context.Context, ns string, req CreateChain) (Chain, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Chain{}, errs.Invalid("chain name is required")
	}
	if req.ChainType == "" {
		req.ChainType = ChainReasoning
	}
	if !req.ChainType.Valid() {
		return Chain{}, errs.Invalid("unknown chain type %q", req.ChainType)
	}
	if req.Importance == "" {
		req.Importance = ImportanceMedium
	}
	if !req.Importance.Valid() {
		return Chain{}, errs.Invalid("unknown importance %q", req.Importance)
	}
	if len(req.MemberIDs) == 0 {
		return Chain{}, errs.Invalid("a chain needs at least one memory")
	}

	now := c.store.Now()
	ch := Chain{
		ID:          NewID(),
		Namespace:   ns,
		Name:        name,
		Description: req.Description,
		ChainType:   req.ChainType,
		Importance:  req.Importance,
		MemberIDs:   append([]string(nil), req.MemberIDs...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := c.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := c.checkMembers(ctx, tx, ns, ch.MemberIDs); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chains (id, namespace, name, description, chain_type, importance, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ch.ID, ns, ch.Name, ch.Description, string(ch.ChainType), string(ch.Importance),
			formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("chain: insert: %w", err)
		}
		return appendMembers(ctx, tx, ch.ID, 0, ch.MemberIDs)
	})
	if err != nil {
		return Chain{}, err
	}
	return ch, nil
}

func appendMembers(ctx context.Context, tx *sql.Tx, chainID string, from int, ids []string) error {
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chain_members (chain_id, position, memory_id) VALUES (?, ?, ?)`,
			chainID, from+i, id); err != nil {
			return fmt.Errorf("chain: add member: %w", err)
		}
	}
	return nil
}

// extend appends members after the current last position. Existing members
// keep their positions.
func (c *Chains) extend(ctx context.Context, ns string, req ExtendChain) (Chain, int, error) {
	if err := checkID(req.ChainID); err != nil {
		return Chain{}, 0, err
	}
	if len(req.MemberIDs) == 0 {
		return Chain{}, 0, errs.Invalid("nothing to append")
	}
	var out Chain
	err := c.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, ok, err := loadChain(ctx, tx, ns, req.ChainID); err != nil {
			return err
		} else if !ok {
			return errs.NotFound("chain %q", req.ChainID)
		}
		if err := c.checkMembers(ctx, tx, ns, req.MemberIDs); err != nil {
			return err
		}
		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position) + 1, 0) FROM chain_members WHERE chain_id = ?`, req.ChainID).Scan(&next); err != nil {
			return fmt.Errorf("chain: next position: %w", err)
		}
		if err := appendMembers(ctx, tx, req.ChainID, next, req.MemberIDs); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chains SET updated_at = ? WHERE id = ?`, formatTime(c.store.Now()), req.ChainID); err != nil {
			return fmt.Errorf("chain: touch: %w", err)
		}
		ch, _, err := loadChain(ctx, tx, ns, req.ChainID)
		out = ch
		return err
	})
	if err != nil {
		return Chain{}, 0, err
	}
	return out, len(req.MemberIDs), nil
}

const chainColumns = `c.id, c.namespace, c.name, c.description, c.chain_type, c.importance,
	c.access_count, c.last_accessed_at, c.created_at, c.updated_at`

func scanChain(sc scanner) (Chain, error) {
	var ch Chain
	var ct, imp, created, updated string
	var last sql.NullString
	if err := sc.Scan(&ch.ID, &ch.Namespace, &ch.Name, &ch.Description, &ct, &imp,
		&ch.AccessCount, &last, &created, &updated); err != nil {
		return ch, err
	}
	ch.ChainType = ChainType(ct)
	ch.Importance = Importance(imp)
	ch.LastAccessedAt = parseNullTime(last)
	ch.CreatedAt = parseTime(created)
	ch.UpdatedAt = parseTime(updated)
	return ch, nil
}

func loadChain(ctx context.Context, q querier, ns, id string) (Chain, bool, error) {
	ch, err := scanChain(q.QueryRowContext(ctx,
		`SELECT `+chainColumns+` FROM chains c WHERE c.id = ? AND c.namespace = ?`, id, ns))
	if errors.Is(err, sql.ErrNoRows) {
		return Chain{}, false, nil
	}
	if err != nil {
		return Chain{}, false, fmt.Errorf("chain: load: %w", err)
	}
	ch.MemberIDs, err = queryStrings(ctx, q,
		`SELECT memory_id FROM chain_members WHERE chain_id = ? ORDER BY position`, id)
	if err != nil {
		return Chain{}, false, fmt.Errorf("chain: members: %w", err)
	}
	if ch.MemberIDs == nil {
		ch.MemberIDs = []string{}
	}
	return ch, true, nil
}

// Get returns chain id and records the read.
func (c *Chains) Get(ctx context.Context, ns, id string) (Chain, error) {
	if err := checkNamespace(ns); err != nil {
		return Chain{}, err
	}
	if err := checkID(id); err != nil {
		return Chain{}, err
	}
	var out Chain
	err := c.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := c.store.Now()
		res, err := tx.ExecContext(ctx,
			`UPDATE chains SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ? AND namespace = ?`,
			formatTime(now), id, ns)
		if err != nil {
			return fmt.Errorf("chain: touch: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.NotFound("chain %q", id)
		}
		ch, _, err := loadChain(ctx, tx, ns, id)
		out = ch
		return err
	})
	return out, err
}

func (c *Chains) find(ctx context.Context, ns string, f FindChains) ([]Chain, error) {
	where := []string{`c.namespace = ?`}
	args := []any{ns}
	if f.MemoryID != "" {
		if err := checkID(f.MemoryID); err != nil {
			return nil, err
		}
		where = append(where, `EXISTS (SELECT 1 FROM chain_members cm WHERE cm.chain_id = c.id AND cm.memory_id = ?)`)
		args = append(args, f.MemoryID)
	}
	if f.ChainType != "" {
		if !f.ChainType.Valid() {
			return nil, errs.Invalid("unknown chain type %q", f.ChainType)
		}
		where = append(where, `c.chain_type = ?`)
		args = append(args, string(f.ChainType))
	}
	if f.Name != "" {
		where = append(where, `LOWER(c.name) LIKE ?`)
		args = append(args, "%"+strings.ToLower(f.Name)+"%")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	conn := c.store.db.Conn()
	rows, err := conn.QueryContext(ctx,
		`SELECT `+chainColumns+` FROM chains c WHERE `+strings.Join(where, " AND ")+
			` ORDER BY c.updated_at DESC, c.id LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("chain: find: %w", err)
	}
	var out []Chain
	for rows.Next() {
		ch, err := scanChain(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, ch)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		ids, err := queryStrings(ctx, conn,
			`SELECT memory_id FROM chain_members WHERE chain_id = ? ORDER BY position`, out[i].ID)
		if err != nil {
			return nil, fmt.Errorf("chain: members: %w", err)
		}
		if ids == nil {
			ids = []string{}
		}
		out[i].MemberIDs = ids
	}
	if out == nil {
		out = []Chain{}
	}
	return out, nil
}

// ChainsContaining returns every chain in ns that includes memoryID.
func (c *Chains) ChainsContaining(ctx context.Context, ns, memoryID string) ([]Chain, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	return c.find(ctx, ns, FindChains{MemoryID: memoryID, Limit: 100})
}

// Count returns the number of chains in ns.
func (c *Chains) Count(ctx context.Context, ns string) (int, error) {
	var n int
	if err := c.store.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chains WHERE namespace = ?`, ns).Scan(&n); err != nil {
		return 0, fmt.Errorf("chain: count: %w", err)
	}
	return n, nil
}
