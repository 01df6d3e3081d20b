package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/pitchvision/detectd/pkg/models"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	Long:  `Query the detectd server health endpoint, including the advertised fallback models.`,
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	var health struct {
		Status            string               `json:"status"`
		AvailableModels   []models.ModelConfig `json:"available_models"`
		UptimeSeconds     int                  `json:"uptime_seconds"`
		CPUThreads        int                  `json:"cpu_threads"`
		MemoryUsedPercent float64              `json:"memory_used_percent"`
	}
	if err := getJSON(fmt.Sprintf("%s/health", GetServerURL()), &health); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(health)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Status", health.Status)
	table.Append("Uptime", fmt.Sprintf("%ds", health.UptimeSeconds))
	table.Append("CPU Threads", fmt.Sprintf("%d", health.CPUThreads))
	table.Append("Memory Used", fmt.Sprintf("%.1f%%", health.MemoryUsedPercent))
	table.Render()

	if len(health.AvailableModels) > 0 {
		fmt.Println("\nAvailable models:")
		modelTable := tablewriter.NewWriter(os.Stdout)
		modelTable.Header("Provider", "Model", "Endpoint")
		for _, m := range health.AvailableModels {
			endpoint := m.Endpoint
			if endpoint == "" {
				endpoint = "-"
			}
			modelTable.Append(string(m.Provider), m.ModelID, endpoint)
		}
		modelTable.Render()
	}
	return nil
}
