package cli

import (
	"fmt"
	"strconv"

	"github.com/absmach/fedsync/pkg/fl"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func NewResultsCmd() *cobra.Command {
	var method string

	cmd := &cobra.Command{
		Use:   "results <metrics.json>",
		Short: "Show a results file",
		Long:  `Print the per-round metrics recorded by one or more training runs.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			res, err := fl.LoadResults(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			methods := []fl.Method{fl.FedAvg, fl.FedAvgM, fl.FedNova}
			if method != "" {
				m, err := fl.ParseMethod(method)
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				methods = []fl.Method{m}
			}

			out := cmd.OutOrStdout()
			for _, m := range methods {
				rounds := res.Rounds(m)
				if len(rounds) == 0 {
					continue
				}
				fmt.Fprintf(out, "\n%s\n", color.New(color.Bold).Sprint(m))
				fmt.Fprintf(out, "%6s %10s %10s %13s %9s\n", "round", "accuracy", "loss", "participants", "timed_out")
				for _, r := range rounds {
					rm := res.Runs[m][strconv.FormatUint(r, 10)]
					acc, loss := "-", "-"
					if rm.Evaluated {
						acc = fmt.Sprintf("%.4f", rm.Accuracy)
						loss = fmt.Sprintf("%.4f", rm.Loss)
					}
					fmt.Fprintf(out, "%6d %10s %10s %13d %9d\n", r, acc, loss, rm.Participants, rm.TimedOut)
				}
			}
			fmt.Fprintln(out)
		},
	}

	cmd.Flags().StringVarP(&method, "method", "m", "", "Only show one aggregation method")

	return cmd
}
