// Package display formats CLI output.
package display

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/reply"
)

var (
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	Warning  = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
)

// HealthLabel returns a colored health label
func HealthLabel(h model.Health) string {
	label := fmt.Sprintf("%-8s", strings.ToUpper(string(h)))
	switch h {
	case model.HealthHealthy:
		return Success.Render(label)
	case model.HealthDegraded:
		return Warning.Render(label)
	case model.HealthDown:
		return ErrStyle.Render(label)
	default:
		return label
	}
}

// TimeAgo formats t relative to now; nil renders as "never"
func TimeAgo(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	d := now.Sub(*t)
	future := d < 0
	if future {
		d = -d
	}
	var s string
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		s = fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		s = fmt.Sprintf("%dh", int(d.Hours()))
	default:
		s = fmt.Sprintf("%dd", int(d.Hours()/24))
	}
	if future {
		return "in " + s
	}
	return s + " ago"
}

// Truncate shortens s to maxLen runes, adding an ellipsis
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// PushStates writes one block per provider with its health, cursor and
// subscription timing. counts holds the stored message count per provider.
func PushStates(w io.Writer, states []*model.PushState, counts map[model.Provider]int, now time.Time) {
	fmt.Fprintln(w, Bold.Render("Providers"))
	for _, s := range states {
		fmt.Fprintf(w, "  %-8s %s %s\n", s.Provider, HealthLabel(s.Health), Muted.Render(fmt.Sprintf("%d messages", counts[s.Provider])))

		cursor := s.Cursor
		if cursor == "" {
			cursor = "(none)"
		}
		fmt.Fprintf(w, "    cursor      %s\n", Truncate(cursor, 48))
		if s.WatchExpiresAt != nil {
			fmt.Fprintf(w, "    watch       expires %s\n", TimeAgo(s.WatchExpiresAt, now))
		}
		fmt.Fprintf(w, "    last push   %s\n", TimeAgo(s.LastPushAt, now))
		fmt.Fprintf(w, "    last poll   %s\n", TimeAgo(s.LastPollAt, now))
		fmt.Fprintf(w, "    last ok     %s\n", TimeAgo(s.LastSuccessAt, now))
		if s.LastError != "" {
			line := fmt.Sprintf("%s (%s, %d in a row)", Truncate(s.LastError, 60), s.LastErrorKind, s.ConsecutiveFailures)
			fmt.Fprintf(w, "    last error  %s\n", ErrStyle.Render(line))
		}
		if s.Suspended() {
			fmt.Fprintf(w, "    %s\n", ErrStyle.Render("suspended: re-authenticate, then run `mailbridge resume --provider "+s.Provider.String()+"`"))
		}
	}
}

// Outcome writes a one-line summary of a reply attempt
func Outcome(w io.Writer, o reply.Outcome) {
	if o.Sent() {
		how := "threaded"
		if !o.Threaded {
			how = "as a new message"
		}
		fmt.Fprintf(w, "%s reply sent via %s %s (id %s)\n", Success.Render("✓"), o.Provider, how, o.ProviderMessageID)
		if o.PersistErr != nil {
			fmt.Fprintf(w, "  %s\n", Warning.Render("not recorded locally: "+o.PersistErr.Error()))
		}
		return
	}
	fmt.Fprintf(w, "%s reply %s", ErrStyle.Render("✗"), o.Kind)
	if o.Provider != "" {
		fmt.Fprintf(w, " via %s", o.Provider)
	}
	if msg := o.ErrorMessage(); msg != "" {
		fmt.Fprintf(w, ": %s", msg)
	}
	fmt.Fprintln(w)
	if o.ProviderDraftID != "" {
		fmt.Fprintf(w, "  %s\n", Muted.Render("provider draft left behind: "+o.ProviderDraftID))
	}
	if o.Retryable {
		fmt.Fprintf(w, "  %s\n", Muted.Render("safe to retry"))
	}
}
