package cli

import (
	"fmt"
	"runtime"

	"github.com/goral/pkg/protocol"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "goral %s\n", version)
		fmt.Fprintf(out, "  built:     %s\n", buildTime)
		fmt.Fprintf(out, "  go:        %s\n", runtime.Version())
		fmt.Fprintf(out, "  protocols: %v\n", protocol.DefaultRegistry(protocol.Options{}).Names())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
