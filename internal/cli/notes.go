package cli

import (
	"github.com/spf13/cobra"

	"scribe/internal/output"
)

func NewNotesCmd(deps *Dependencies) *cobra.Command {
	var patientID string

	cmd := &cobra.Command{
		Use:   "notes",
		Short: "List generated notes for a patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			notes, err := deps.Services.Client.RefreshNotes(cmd.Context(), patientID)
			if err != nil {
				return err
			}
			output.NewFormatter(cmd.OutOrStdout()).NoteList(patientID, notes)
			return nil
		},
	}

	cmd.Flags().StringVar(&patientID, "patient", "", "Patient ID (required)")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}
