package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"

	"scribe/internal/domain"
	"scribe/internal/output"
	"scribe/internal/usecase"
)

func NewRecordCmd(deps *Dependencies) *cobra.Command {
	var encounter domain.Encounter

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record an encounter",
		Long:  "Record an encounter with a live transcript. Type p, r, c or s and Enter to pause, resume, cancel or stop. Ctrl+C stops.",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := output.NewFormatter(cmd.OutOrStdout())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session, err := deps.Services.Controller.Start(ctx, encounter, formatter)
			if err != nil {
				return err
			}
			formatter.Controls()

			result, err := driveSession(ctx, session, readKeys(cmd.InOrStdin()), stop, formatter)
			if errors.Is(err, usecase.ErrSessionCancelled) {
				formatter.Info("Recording discarded.")
				return nil
			}
			if err != nil {
				return err
			}
			if len(result.Errors) > 0 && !result.ScribeNotesGenerated {
				return errors.New("recording finished with errors")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&encounter.PatientID, "patient", "", "Patient ID (required)")
	cmd.Flags().StringVar(&encounter.AppointmentID, "appointment", "", "Appointment ID")
	_ = cmd.MarkFlagRequired("patient")

	return cmd
}

type sessionControls interface {
	Pause() error
	Resume() error
	Stop() error
	Cancel() error
	Done() <-chan struct{}
	Wait(ctx context.Context) (domain.PipelineResult, error)
}

// driveSession applies key presses to the session until it ends. The first
// interrupt stops the recording; release restores default signal handling so
// a second interrupt exits.
func driveSession(ctx context.Context, session sessionControls, keys <-chan rune, release func(), f *output.Formatter) (domain.PipelineResult, error) {
	interrupted := ctx.Done()
	for {
		select {
		case <-session.Done():
			return session.Wait(context.Background())

		case <-interrupted:
			interrupted = nil
			release()
			report(f, session.Stop())

		case key, ok := <-keys:
			if !ok {
				keys = nil
				continue
			}
			switch unicode.ToLower(key) {
			case 'p':
				report(f, session.Pause())
			case 'r':
				report(f, session.Resume())
			case 'c':
				report(f, session.Cancel())
			case 's':
				report(f, session.Stop())
			}
		}
	}
}

func report(f *output.Formatter, err error) {
	if err != nil {
		f.Warning(err.Error())
	}
}

// readKeys streams non-space runes from r until EOF.
func readKeys(r io.Reader) <-chan rune {
	keys := make(chan rune)
	go func() {
		defer close(keys)
		br := bufio.NewReader(r)
		for {
			key, _, err := br.ReadRune()
			if err != nil {
				return
			}
			if unicode.IsSpace(key) {
				continue
			}
			keys <- key
		}
	}()
	return keys
}
