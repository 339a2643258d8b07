// eraif runs the emergency radiology orchestration core.
//
// Usage:
//
//	eraif serve [--config eraif.yaml] [--grpc-addr :50051] [--metrics-addr :9090]
//	eraif process --file case.json [--priority critical] [--emergency-reason flood]
//	eraif workflows
//
// Configuration is read from the YAML file, then ERAIF_* environment
// variables, then command-line flags.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "eraif",
		Short: "Emergency radiology workflow orchestration",
		Long: "eraif routes radiology cases through triage, imaging and clinical\n" +
			"decision workflows and adapts them to the current emergency mode.",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		Version: version,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML config file")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newProcessCmd(flags))
	root.AddCommand(newWorkflowsCmd(flags))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
