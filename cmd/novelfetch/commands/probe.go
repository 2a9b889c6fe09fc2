package commands

import (
	"novelfetch/services/health"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(probeCmd)
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Checks which sources are reachable.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a := newApp(cmd.Context())
		defer a.Close()

		svc := health.NewService(a.gateway, a.locks, a.clock, nil, health.Options{
			Concurrency: a.cfg.Health.Concurrency,
			Timeout:     millis(a.cfg.Health.TimeoutMs),
		})
		results := svc.Probe(cmd.Context(), a.registry.All())

		t := newTable()
		t.AppendHeader(table.Row{"ID", "Name", "URL", "Reachable", "Status", "Latency", "Error"})
		for _, r := range results {
			errText := ""
			if r.Err != nil {
				errText = r.Err.Error()
			}
			t.AppendRow(table.Row{r.SourceID, r.Name, r.URL, r.Reachable, r.StatusCode, r.Latency.String(), errText})
		}
		t.Render()
	},
}
