package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"quiqcl-server/internal/circuit"
	"quiqcl-server/internal/models"
)

// readSubmission loads and validates a submission document.
func readSubmission(path, backend string) (models.Submission, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.Submission{}, fmt.Errorf("read submission: %w", err)
	}
	sub, err := circuit.ParseSubmission(raw)
	if err != nil {
		return models.Submission{}, err
	}
	if backend != "" {
		sub.Backend = backend
	}
	if err := circuit.ValidateStrict(sub.Circuit); err != nil {
		return models.Submission{}, err
	}
	return sub, nil
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		backend  string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <submission.json>",
		Short: "Submit a circuit and print its job id",
		Long: `Submit a circuit document of the form {"quiqcl_circuit": {...}, "backend": "..."}.

The document is validated locally before anything is sent. With --wait the
command polls until the job reaches DONE or ERROR and prints the record.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := readSubmission(args[0], backend)
			if err != nil {
				return err
			}
			c, err := rootOpts.dial()
			if err != nil {
				return err
			}
			id, err := c.SubmitJob(cmd.Context(), sub.Circuit, sub.Backend)
			if err != nil {
				return err
			}
			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			rec, err := c.WaitForFinalState(cmd.Context(), id, interval)
			if err != nil {
				return err
			}
			return writeRecord(cmd.OutOrStdout(), rootOpts.Format, rec)
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "override the document's backend")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --wait")
	return cmd
}

// NewRetrieveCommand creates the retrieve command.
func NewRetrieveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retrieve <job-id>",
		Short: "Print the current record of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.dial()
			if err != nil {
				return err
			}
			rec, err := c.RetrieveJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeRecord(cmd.OutOrStdout(), rootOpts.Format, rec)
		},
	}
}

// NewWaitCommand creates the wait command.
func NewWaitCommand(rootOpts *RootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Poll a job until it is DONE or ERROR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.dial()
			if err != nil {
				return err
			}
			rec, err := c.WaitForFinalState(cmd.Context(), args[0], interval)
			if err != nil {
				return err
			}
			return writeRecord(cmd.OutOrStdout(), rootOpts.Format, rec)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}
