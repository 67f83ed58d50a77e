// Package cli implements the quiqcl command line client.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"quiqcl-server/internal/client"
	"quiqcl-server/internal/config"
	"quiqcl-server/internal/models"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Credentials string
	Format      string // "json" | "text"
	Timeout     time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "quiqcl",
		Short: "Submit circuits to a QuIQCL job server",
		Long:  "Client for the QuIQCL trapped-ion job server: submit circuits, poll jobs, and compile programs locally.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.Credentials, "credentials", "c", "credentials.json", "client credential file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "per-request timeout")

	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewRetrieveCommand(opts))
	cmd.AddCommand(NewWaitCommand(opts))
	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// dial builds a client from the credential file.
func (o *RootOptions) dial() (*client.Client, error) {
	creds, err := config.LoadCredentials(o.Credentials)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := creds.ClientTLS()
	if err != nil {
		return nil, err
	}
	c := client.New(creds.ServerAddress.String(), tlsCfg, o.Timeout)
	c.Token = creds.Token
	return c, nil
}

type recordOutput struct {
	ID string `json:"id"`
	models.JobRecord
}

// writeRecord prints a job record in the selected format. Text output shows
// counts rather than raw samples.
func writeRecord(w io.Writer, format string, rec models.JobRecord) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recordOutput{ID: rec.ID, JobRecord: rec})
	}
	fmt.Fprintf(w, "job:    %s\n", rec.ID)
	fmt.Fprintf(w, "status: %s\n", rec.Status)
	if rec.Error != nil {
		fmt.Fprintf(w, "error:  %s\n", *rec.Error)
	}
	if rec.Result == nil {
		return nil
	}
	counts := rec.Result.Counts
	if counts == nil {
		counts = models.CountsFromSamples(rec.Result.Samples)
	}
	outcomes := make([]string, 0, len(counts))
	for k := range counts {
		outcomes = append(outcomes, k)
	}
	sort.Strings(outcomes)
	fmt.Fprintln(w, "counts:")
	for _, k := range outcomes {
		fmt.Fprintf(w, "  %s: %d\n", k, counts[k])
	}
	return nil
}
