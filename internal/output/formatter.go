package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"scribe/internal/domain"
	"scribe/internal/ports"
)

// Formatter prints session progress and command results. It doubles as the
// session EventSink for the record command.
type Formatter struct {
	mu       sync.Mutex
	w        io.Writer
	lastLive string
}

var _ ports.EventSink = (*Formatter)(nil)

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) printf(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(f.w, format, args...)
}

func (f *Formatter) SessionStateChanged(state domain.SessionState, statusText string) {
	dot := idleDotStyle.Render("○")
	if state.Capturing() {
		dot = recordingDotStyle.Render("●")
	}
	f.printf("%s %s\n", dot, statusStyle.Render(statusText))
}

// ElapsedChanged prints a marker once per minute of recording.
func (f *Formatter) ElapsedChanged(seconds int) {
	if seconds <= 0 || seconds%60 != 0 {
		return
	}
	f.printf("  %s\n", dimStyle.Render(FormatElapsed(seconds)+" recorded"))
}

// LiveTranscript prints the newest transcript line when it changes.
func (f *Formatter) LiveTranscript(text string) {
	line := text
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		line = text[i+1:]
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if line == f.lastLive {
		return
	}
	f.lastLive = line
	fmt.Fprintf(f.w, "  %s\n", partialTextStyle.Render(line))
}

func (f *Formatter) SessionError(kind domain.ErrorKind, detail string) {
	f.printf("%s %s\n", errorStyle.Render("✗ "+string(kind)), detail)
}

func (f *Formatter) PipelineFinished(result domain.PipelineResult) {
	f.Result(result)
}

// Controls prints the key bindings for the record command.
func (f *Formatter) Controls() {
	f.printf("%s pause  %s resume  %s cancel  %s stop (or Ctrl+C)\n",
		keyStyle.Render("p"), keyStyle.Render("r"), keyStyle.Render("c"), keyStyle.Render("s"))
}

// Result summarizes a finished pipeline.
func (f *Formatter) Result(result domain.PipelineResult) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fmt.Fprintln(f.w)
	if result.Job != nil {
		fmt.Fprintf(f.w, "%s %s\n", titleStyle.Render("Job"), result.Job.JobName)
	}
	if result.ScribeNotesGenerated {
		fmt.Fprintf(f.w, "%s\n", successStyle.Render("✓ Clinical notes generated"))
	}
	for _, kind := range result.Errors {
		fmt.Fprintf(f.w, "%s\n", errorStyle.Render("✗ "+string(kind)))
	}
	for _, msg := range result.Messages {
		fmt.Fprintf(f.w, "  %s\n", msg)
	}
	for _, task := range result.Background {
		switch {
		case task.Pending:
			fmt.Fprintf(f.w, "  %s\n", dimStyle.Render(task.Name+" still running"))
		case task.Error != "":
			fmt.Fprintf(f.w, "  %s\n", warningStyle.Render(task.Name+" failed: "+task.Error))
		}
	}
	if len(result.Notes) > 0 {
		fmt.Fprintf(f.w, "  %s\n", dimStyle.Render(fmt.Sprintf("%d notes on file", len(result.Notes))))
	}
}

func (f *Formatter) JobList(records []ports.JobRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(records) == 0 {
		fmt.Fprintln(f.w, dimStyle.Render("No jobs recorded."))
		return
	}
	fmt.Fprintln(f.w, titleStyle.Render("Jobs:"))
	for _, rec := range records {
		fmt.Fprintf(f.w, "  %-36s %-10s %-12s %-8s %s\n",
			rec.Job.JobName,
			rec.Job.PatientID,
			rec.Stage,
			rec.Status,
			dimStyle.Render(rec.UpdatedAt.Local().Format(time.DateTime)),
		)
	}
}

func (f *Formatter) JobDetail(rec ports.JobRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(f.w, "%s %s\n", titleStyle.Render("Job"), rec.Job.JobName)
	fmt.Fprintf(f.w, "  patient:     %s\n", rec.Job.PatientID)
	if rec.Job.AppointmentID != "" {
		fmt.Fprintf(f.w, "  appointment: %s\n", rec.Job.AppointmentID)
	}
	fmt.Fprintf(f.w, "  media:       %s\n", rec.Job.MediaID)
	fmt.Fprintf(f.w, "  stage:       %s (%s)\n", rec.Stage, rec.Status)
	if rec.Detail != "" {
		fmt.Fprintf(f.w, "  detail:      %s\n", rec.Detail)
	}
	if rec.Transcript != "" {
		fmt.Fprintf(f.w, "\n%s\n%s\n", titleStyle.Render("Transcript"), rec.Transcript)
	}
	if rec.Synthesis != "" {
		fmt.Fprintf(f.w, "\n%s\n%s\n", titleStyle.Render("Synthesis"), rec.Synthesis)
	}
}

func (f *Formatter) NoteList(patientID string, notes []domain.ScribeNote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(notes) == 0 {
		fmt.Fprintf(f.w, "%s\n", dimStyle.Render("No notes for patient "+patientID+"."))
		return
	}
	fmt.Fprintf(f.w, "%s\n", titleStyle.Render("Notes for "+patientID+":"))
	for _, note := range notes {
		created := ""
		if !note.CreatedAt.IsZero() {
			created = note.CreatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(f.w, "\n  %s %s %s\n", note.ID, dimStyle.Render(note.JobName), dimStyle.Render(created))
		for _, line := range strings.Split(strings.TrimSpace(note.Content), "\n") {
			fmt.Fprintf(f.w, "    %s\n", line)
		}
	}
}

func (f *Formatter) SetupCheck(name string, ok bool, detail string) {
	if ok {
		f.printf("  %s %s: %s\n", successStyle.Render("✓"), name, detail)
	} else {
		f.printf("  %s %s: %s\n", errorStyle.Render("✗"), name, detail)
	}
}

func (f *Formatter) Error(msg string) {
	f.printf("%s %s\n", errorStyle.Render("✗"), msg)
}

func (f *Formatter) Info(msg string) {
	f.printf("%s\n", statusStyle.Render(msg))
}

func (f *Formatter) Success(msg string) {
	f.printf("%s\n", successStyle.Render(msg))
}

func (f *Formatter) Warning(msg string) {
	f.printf("%s\n", warningStyle.Render(msg))
}

// FormatElapsed renders seconds as mm:ss, or h:mm:ss past an hour.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
