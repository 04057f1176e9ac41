package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gramflow-labs/gramflow/flow"
	"github.com/gramflow-labs/gramflow/instagram"
	"github.com/gramflow-labs/gramflow/loader"
	"github.com/gramflow-labs/gramflow/nodes"
	"github.com/gramflow-labs/gramflow/store"
)

// NewRunCmd creates the "run" subcommand: execute a flow file locally
// against a sample event, with outbound actions recorded rather than
// delivered.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a flow file locally against a sample event",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().String("trigger", string(flow.TriggerCommentReceived), "Trigger type for the sample event")
	cmd.Flags().String("event-id", "", "Event ID (defaults to a generated value)")
	cmd.Flags().String("payload", "{}", "Sample event payload as JSON")
	cmd.Flags().String("reply", "", "Fixed text returned by the reply composer")
	cmd.Flags().Duration("timeout", 2*time.Minute, "Wall-clock budget for the run")
	cmd.Flags().Int("steps", 50, "Node dispatch budget for the run")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	out := cmd.OutOrStdout()

	triggerType, _ := cmd.Flags().GetString("trigger")
	eventID, _ := cmd.Flags().GetString("event-id")
	payloadRaw, _ := cmd.Flags().GetString("payload")
	replyText, _ := cmd.Flags().GetString("reply")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	steps, _ := cmd.Flags().GetInt("steps")

	def, err := loader.Load(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return exitError(exitInputParse, "%v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
		return exitError(exitInputParse, "parsing payload: %v", err)
	}
	if eventID == "" {
		eventID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
	}

	sender := &instagram.RecorderSender{}
	reg := nodes.MustRegistry(nodes.Deps{
		Sender:   sender,
		Composer: &instagram.StaticComposer{Reply: replyText},
	})

	g, diags, err := flow.Compile(def, reg)
	if err != nil {
		printDiagnostics(out, diags, "text")
		return exitError(exitValidation, "validation failed")
	}

	engine, err := flow.NewEngine(flow.EngineConfig{
		Registry: reg,
		Runs:     store.NewMemoryStore(),
	})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	opts := flow.DefaultRunOptions()
	opts.Timeout = timeout
	opts.StepBudget = steps

	ev := flow.TriggerEvent{
		Type:       flow.TriggerType(triggerType),
		EventID:    eventID,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}

	result, err := engine.RunWorkflow(context.Background(), g, ev, opts)
	if err != nil {
		return exitError(exitRuntime, "execution failed: %v", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{
		"result":  result,
		"actions": sender.Sent,
	})

	switch result.Status {
	case flow.StatusSucceeded, flow.StatusHalted, flow.StatusSuspended, flow.StatusNoEntry:
		return nil
	case flow.StatusTimedOut:
		return exitError(exitTimeout, "run timed out: %s", result.Note)
	default:
		return exitError(exitRuntime, "run %s: %s", result.Status, result.Error)
	}
}
