package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/eraif/coreengine/kernel"
	"github.com/jeeves-cluster-organization/eraif/coreengine/policy"
	"github.com/jeeves-cluster-organization/eraif/coreengine/system"
)

type processFlags struct {
	file              string
	priority          string
	sessionID         string
	emergencyReason   string
	emergencySeverity string
	emergencyMode     string
}

func newProcessCmd(root *rootFlags) *cobra.Command {
	flags := &processFlags{}
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one case and print its summary as JSON",
		Long: `Reads case data as a JSON object from --file ("-" for stdin), runs it
through the selected workflow, and prints the case summary. With
--emergency-reason an emergency is activated first, so the case runs
under the emergency policy. Exits non-zero when the workflow fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProcess(cmd, root, flags)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flags.file, "file", "f", "", "case data JSON file, - for stdin (required)")
	f.StringVar(&flags.priority, "priority", "", "requested priority (default from case data, medium)")
	f.StringVar(&flags.sessionID, "session-id", "", "session id (default generated)")
	f.StringVar(&flags.emergencyReason, "emergency-reason", "", "activate an emergency with this reason first")
	f.StringVar(&flags.emergencySeverity, "emergency-severity", "", "emergency severity: low, medium, high, critical")
	f.StringVar(&flags.emergencyMode, "emergency-mode", "", "force the emergency mode, e.g. MASS_CASUALTY")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runProcess(cmd *cobra.Command, root *rootFlags, flags *processFlags) error {
	caseData, err := readCaseData(cmd.InOrStdin(), flags.file)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, root.configPath, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(context.WithoutCancel(ctx)) }()

	if flags.emergencyReason != "" {
		if err := activateFromFlags(ctx, a.sys, flags); err != nil {
			return err
		}
	}

	var opts []system.CaseOption
	if flags.priority != "" {
		opts = append(opts, system.WithPriority(flags.priority))
	}
	if flags.sessionID != "" {
		opts = append(opts, system.WithSessionID(flags.sessionID))
	}
	summary, runErr := a.sys.ProcessCase(ctx, caseData, opts...)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("case %s: %w", summary.SessionID, runErr)
	}
	return nil
}

func activateFromFlags(ctx context.Context, sys *system.System, flags *processFlags) error {
	req := kernel.ActivateRequest{Reason: flags.emergencyReason}
	if flags.emergencySeverity != "" {
		req.Severity = policy.ParseSeverity(flags.emergencySeverity)
	}
	if flags.emergencyMode != "" {
		mode, ok := kernel.ParseMode(flags.emergencyMode)
		if !ok {
			return fmt.Errorf("unknown emergency mode %q", flags.emergencyMode)
		}
		req.Mode = mode
	}
	res, err := sys.ActivateEmergency(ctx, req)
	if err != nil {
		return fmt.Errorf("activate emergency: %w", err)
	}
	if res.Status != kernel.ActivationActivated {
		return fmt.Errorf("activate emergency: %s", res.Status)
	}
	return nil
}

func readCaseData(stdin io.Reader, path string) (map[string]any, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read case data: %w", err)
	}
	var caseData map[string]any
	if err := json.Unmarshal(data, &caseData); err != nil {
		return nil, fmt.Errorf("parse case data: %w", err)
	}
	if caseData == nil {
		return nil, fmt.Errorf("parse case data: expected a JSON object")
	}
	return caseData, nil
}
