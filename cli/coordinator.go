package cli

import (
	"strconv"

	"github.com/absmach/fedsync/pkg/sdk"
	"github.com/spf13/cobra"
)

var (
	defOffset uint64 = 0
	defLimit  uint64 = 10
)

var fsdk sdk.SDK

func SetSDK(s sdk.SDK) {
	fsdk = s
}

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show coordinator status",
		Long:  `Show the current round, state and participation of the coordinator.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			st, err := fsdk.Status(cmd.Context())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, st)
		},
	}
}

func NewClientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "List registered clients",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			cp, err := fsdk.Clients(cmd.Context())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, cp)
		},
	}
}

func NewStartRoundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-round",
		Short: "Start the first round",
		Long:  `Start the first round without waiting for the start quorum.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			st, err := fsdk.StartRound(cmd.Context())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, st)
		},
	}
}

func NewParamsCmd() *cobra.Command {
	var summary bool

	cmd := &cobra.Command{
		Use:   "params",
		Short: "Show global parameters",
		Long:  `Show the global parameters and the round they belong to.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			p, err := fsdk.GetParameters(cmd.Context())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			if !summary {
				logJSONCmd(*cmd, p)

				return
			}

			shapes := make(map[string][]int, len(p.Parameters.Tensors))
			for _, t := range p.Parameters.Tensors {
				shapes[t.Name] = t.Shape
			}
			logJSONCmd(*cmd, map[string]any{
				"round":      p.Round,
				"state":      p.State,
				"num_params": p.Parameters.NumParams(),
				"tensors":    shapes,
			})
		},
	}

	cmd.Flags().BoolVarP(&summary, "summary", "s", false, "Print tensor shapes instead of values")

	return cmd
}

func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [round]",
		Short: "Show completed rounds",
		Long: `List completed rounds, or show a single round.

Examples:
  fedsync-cli history --limit 5
  fedsync-cli history 3`,
		Run: func(cmd *cobra.Command, args []string) {
			switch len(args) {
			case 0:
				page, err := fsdk.History(cmd.Context(), defOffset, defLimit)
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				logJSONCmd(*cmd, page)
			case 1:
				round, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				rec, err := fsdk.Round(cmd.Context(), round)
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				logJSONCmd(*cmd, rec)
			default:
				logUsageCmd(*cmd, cmd.Use)
			}
		},
	}

	cmd.Flags().Uint64VarP(&defOffset, "offset", "o", defOffset, "Offset")
	cmd.Flags().Uint64VarP(&defLimit, "limit", "l", defLimit, "Limit")

	return cmd
}

func NewHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check coordinator health",
		Long:  `Check that the coordinator is reachable.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			h, err := fsdk.Health(cmd.Context())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, h)
		},
	}
}
