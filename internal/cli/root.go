package cli

import (
	"github.com/spf13/cobra"

	"scribe/internal/bootstrap"
)

// Version is stamped at build time.
var Version = "dev"

type Dependencies struct {
	Services bootstrap.Services
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "scribe",
		Short:         "Record patient encounters and generate clinical notes",
		Long:          "Record a patient encounter with a live transcript, then upload it for accurate transcription and clinical note generation.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewRecordCmd(deps))
	rootCmd.AddCommand(NewJobsCmd(deps))
	rootCmd.AddCommand(NewNotesCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))

	return rootCmd
}
