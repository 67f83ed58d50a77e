package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"quiqcl-server/internal/compiler"
	"quiqcl-server/internal/profile"
)

type compileOutput struct {
	Backend      string         `json:"backend"`
	Instructions int            `json:"instructions"`
	FIFOWrites   int            `json:"fifo_writes"`
	Labels       map[string]int `json:"labels"`
	Listing      string         `json:"listing"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		backend      string
		profilesFile string
	)
	cmd := &cobra.Command{
		Use:   "compile <submission.json>",
		Short: "Compile a circuit to a sequencer program without running it",
		Long: `Compile a submission for its hardware profile and print the program listing.

Profiles come from the built-in set unless --profiles points at a YAML file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := readSubmission(args[0], backend)
			if err != nil {
				return err
			}
			reg, err := loadProfiles(profilesFile)
			if err != nil {
				return err
			}
			p, ok := reg.Get(sub.Backend)
			if !ok {
				return fmt.Errorf("unknown hardware backend %q (have %v)", sub.Backend, reg.Names())
			}
			prog, err := compiler.Compile(sub.Circuit, p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(compileOutput{
					Backend:      p.Name,
					Instructions: prog.Len(),
					FIFOWrites:   prog.FIFOWrites,
					Labels:       prog.Labels,
					Listing:      prog.Listing(),
				})
			}
			_, err = fmt.Fprint(out, prog.Listing())
			return err
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "override the document's backend")
	cmd.Flags().StringVar(&profilesFile, "profiles", "", "hardware profiles YAML file")
	return cmd
}

func loadProfiles(path string) (*profile.Registry, error) {
	if path == "" {
		return profile.Builtin()
	}
	return profile.Load(path)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <submission.json>",
		Short: "Check a submission document without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := readSubmission(args[0], "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return json.NewEncoder(out).Encode(map[string]any{
					"valid":        true,
					"backend":      sub.Backend,
					"shots":        sub.Circuit.Shots,
					"measurements": sub.Circuit.NumMeasurements(),
				})
			}
			fmt.Fprintf(out, "valid: %d shots, %d measurement(s) for %s\n",
				sub.Circuit.Shots, sub.Circuit.NumMeasurements(), sub.Backend)
			return nil
		},
	}
}
