package cli

import (
	"net/url"
	"os/exec"

	"github.com/spf13/cobra"

	"scribe/internal/output"
)

var lookPath = exec.LookPath

func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Services.Config
			f := output.NewFormatter(cmd.OutOrStdout())
			ok := true

			if path, err := lookPath(cfg.Audio.RecorderCommand); err != nil {
				f.SetupCheck("ffmpeg", false, "not found. Install ffmpeg or set SCRIBE_FFMPEG_COMMAND")
				ok = false
			} else {
				f.SetupCheck("ffmpeg", true, path)
			}

			if cfg.API.Token != "" {
				f.SetupCheck("API token", true, "configured")
			} else {
				f.SetupCheck("API token", false, "not set. Set SCRIBE_API_TOKEN or add api.token to config")
				ok = false
			}

			if u, err := url.Parse(cfg.API.BaseURL); err != nil || u.Host == "" {
				f.SetupCheck("API base URL", false, "invalid: "+cfg.API.BaseURL)
				ok = false
			} else {
				f.SetupCheck("API base URL", true, cfg.API.BaseURL)
			}

			if u, err := url.Parse(cfg.Live.URL); err != nil || u.Host == "" {
				f.SetupCheck("Live transcription URL", false, "invalid: "+cfg.Live.URL)
				ok = false
			} else {
				f.SetupCheck("Live transcription URL", true, cfg.Live.URL)
			}

			if store := deps.Services.Store; store == nil {
				f.SetupCheck("Job ledger", true, "disabled")
			} else if _, err := store.ListJobs(cmd.Context(), 1); err != nil {
				f.SetupCheck("Job ledger", false, err.Error())
				ok = false
			} else {
				f.SetupCheck("Job ledger", true, cfg.Store.Driver)
			}

			if cfg.OpenAI.APIKey != "" {
				f.SetupCheck("Synthesis", true, "OpenAI "+cfg.OpenAI.Model)
			} else {
				f.SetupCheck("Synthesis", true, "backend")
			}

			if cfg.Path != "" {
				f.SetupCheck("Config file", true, cfg.Path)
			}

			if ok {
				f.Success("\nAll prerequisites met. Ready to record.")
			} else {
				f.Warning("\nSome prerequisites are missing.")
			}
			return nil
		},
	}
}
