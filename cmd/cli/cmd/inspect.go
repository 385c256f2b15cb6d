package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accelbench/accelbench/pkg/models"
)

var inspectSave bool

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the hardware and software snapshot of this host",
	Long: `Collect a snapshot of CPU, memory, OS, board, GPUs and accelerator
capabilities. The same snapshot is stored with every benchmark batch.

Examples:
  accelbench inspect
  accelbench inspect -o yaml
  accelbench inspect --save`,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectSave, "save", false, "Store the snapshot in the results database")
}

func runInspect(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	snap := a.Collector.Collect(ctx)

	if inspectSave {
		if _, err := a.Store.SaveSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
	}

	return render(cmd.OutOrStdout(), snap, func(w io.Writer) error {
		printSnapshot(w, snap)
		if inspectSave {
			fmt.Fprintf(w, "\nSaved as system specs #%d\n", snap.ID)
		}
		return nil
	})
}

func printSnapshot(w io.Writer, snap *models.Snapshot) {
	table := newTable(w, []string{"PROPERTY", "VALUE"})
	table.Append([]string{"Host", snap.ServerName})
	table.Append([]string{"CPU", snap.CPUModel})
	table.Append([]string{"Cores / Threads", fmt.Sprintf("%d / %d", snap.CPUCores, snap.CPUThreads)})
	table.Append([]string{"Memory", fmt.Sprintf("%.2f GB", snap.TotalMemoryGB)})
	table.Append([]string{"OS", strings.TrimSpace(snap.OSType + " " + snap.OSVersion)})
	if snap.Motherboard != "" {
		table.Append([]string{"Board", snap.Motherboard})
	}
	for i, g := range snap.GPUs {
		value := g.Model
		if g.VRAMMB != nil {
			value = fmt.Sprintf("%s (%d MB VRAM)", g.Model, *g.VRAMMB)
		}
		table.Append([]string{fmt.Sprintf("GPU %d", i), value})
	}
	if acc := snap.Accelerator; acc != nil {
		table.Append([]string{"Accelerator", yesNo(acc.Detected)})
		if acc.GPUModel != "" {
			table.Append([]string{"Accelerator model", acc.GPUModel})
		}
		if acc.DriverVersion != "" {
			table.Append([]string{"ROCm", acc.DriverVersion})
		}
		if acc.VulkanSupported != nil {
			table.Append([]string{"Vulkan", yesNo(*acc.VulkanSupported)})
		}
	}
	table.Append([]string{"Taken", formatTime(snap.Timestamp)})
	table.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
