package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/memory"
)

func newChainCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Manage reasoning chains",
		Long: `A reasoning chain is an ordered sequence of memories: the steps of an
investigation, an implementation or a conversation.`,
	}
	cmd.AddCommand(
		newChainCreateCmd(g),
		newChainExtendCmd(g),
		newChainFindCmd(g),
		newChainShowCmd(g),
	)
	return cmd
}

func newChainCreateCmd(g *globalFlags) *cobra.Command {
	var (
		chainType   string
		description string
		importance  string
	)

	cmd := &cobra.Command{
		Use:   "create <name> <memory-id>...",
		Short: "Create a chain from memories in order",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			op := memory.NewCreateOp(memory.CreateChain{
				Name:        args[0],
				Description: description,
				ChainType:   memory.ChainType(strings.ToLower(chainType)),
				Importance:  memory.Importance(strings.ToLower(importance)),
				MemberIDs:   args[1:],
			})
			return runChainOp(cmd, g, op)
		},
	}

	cmd.Flags().StringVarP(&chainType, "type", "t", string(memory.ChainReasoning), "reasoning, implementation, debugging, exploration, conversation")
	cmd.Flags().StringVarP(&description, "description", "d", "", "what the chain captures")
	cmd.Flags().StringVarP(&importance, "importance", "i", "", "chain importance (default medium)")
	return cmd
}

func newChainExtendCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "extend <chain-id> <memory-id>...",
		Short: "Append memories to a chain",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChainOp(cmd, g, memory.NewExtendOp(memory.ExtendChain{ChainID: args[0], MemberIDs: args[1:]}))
		},
	}
}

func newChainFindCmd(g *globalFlags) *cobra.Command {
	var f memory.FindChains
	var chainType string

	cmd := &cobra.Command{
		Use:   "find",
		Short: "Find chains by member, type or name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ChainType = memory.ChainType(strings.ToLower(chainType))
			return runChainOp(cmd, g, memory.NewFindOp(f))
		},
	}

	cmd.Flags().StringVar(&f.MemoryID, "memory", "", "chains containing this memory")
	cmd.Flags().StringVarP(&chainType, "type", "t", "", "only this chain type")
	cmd.Flags().StringVar(&f.Name, "name", "", "name substring")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum chains")
	return cmd
}

func newChainShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <chain-id>",
		Short: "Print a chain with its members in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			ch, err := a.svc.Chains.Get(ctx, a.ns, args[0])
			if err != nil {
				return err
			}
			mems, err := a.svc.Store.GetMany(ctx, a.ns, ch.MemberIDs, false)
			if err != nil {
				return err
			}
			steps := make([]memory.Memory, 0, len(ch.MemberIDs))
			for _, id := range ch.MemberIDs {
				if m, ok := mems[id]; ok {
					steps = append(steps, m)
				}
			}

			out := struct {
				memory.Chain
				Steps []memory.Memory `json:"steps"`
			}{ch, steps}
			return a.emit(out, func() {
				a.printChain(ch)
				for i, m := range steps {
					a.printf("  %2d. %s\n", i+1, preview(m.Content, 90))
				}
			})
		},
	}
}

func runChainOp(cmd *cobra.Command, g *globalFlags, op memory.ChainOp) error {
	a, err := openApp(cmd, g)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.Chains.Execute(cmd.Context(), a.ns, op)
	if err != nil {
		return err
	}
	return a.emit(res, func() {
		switch op.Kind {
		case memory.ChainOpFind:
			if len(res.Chains) == 0 {
				a.printf("No chains found.\n")
			}
			for _, ch := range res.Chains {
				a.printChain(ch)
			}
		case memory.ChainOpExtend:
			a.printf("Appended %d memories.\n", res.Appended)
			a.printChain(*res.Chain)
		default:
			a.printChain(*res.Chain)
		}
	})
}

func (a *app) printChain(ch memory.Chain) {
	a.printf("%s  %s (%s, %d steps)\n", ch.ID, ch.Name, ch.ChainType, len(ch.MemberIDs))
	if ch.Description != "" {
		a.printf("    %s\n", ch.Description)
	}
}
