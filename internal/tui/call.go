package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/goral/pkg/protocol"
)

// CallResult is the outcome shown once a call settles.
type CallResult struct {
	Status   int
	Body     []byte
	Err      error
	Duration time.Duration
}

type callDoneMsg CallResult

// CallModel shows a spinner with the live state of one call until it
// settles. ctrl+c aborts the call.
type CallModel struct {
	call    *protocol.Call
	target  string
	spinner spinner.Model
	start   time.Time
	now     func() time.Time

	done   bool
	result CallResult
}

// NewCallModel creates a model watching an executing call.
func NewCallModel(call *protocol.Call, target string) CallModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return CallModel{
		call:    call,
		target:  target,
		spinner: s,
		start:   time.Now(),
		now:     time.Now,
	}
}

// Init starts the spinner and the wait for the call.
func (m CallModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.wait())
}

func (m CallModel) wait() tea.Cmd {
	call, start := m.call, m.start
	return func() tea.Msg {
		body, err := call.Wait()
		return callDoneMsg{
			Status:   call.StatusCode(),
			Body:     body,
			Err:      err,
			Duration: time.Since(start),
		}
	}
}

// Update handles messages.
func (m CallModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.call.Abort()
			return m, nil
		}

	case callDoneMsg:
		m.done = true
		m.result = CallResult(msg)
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the model.
func (m CallModel) View() string {
	if m.done {
		return ""
	}
	elapsed := m.now().Sub(m.start)
	return fmt.Sprintf("%s %s %s %s\n",
		m.spinner.View(),
		MiniLogo(),
		ValueStyle.Render(m.target),
		DimStyle.Render(fmt.Sprintf("%s · %s", m.call.State(), Latency(elapsed))),
	)
}

// Done reports whether the call settled.
func (m CallModel) Done() bool { return m.done }

// Result returns the settled outcome.
func (m CallModel) Result() CallResult { return m.result }

// RenderResult formats a settled call for the terminal. Bodies longer
// than maxBody bytes are truncated; zero means no limit.
func RenderResult(target string, res CallResult, maxBody int) string {
	var b strings.Builder

	mark := SuccessStyle.Render(CheckMark)
	if res.Err != nil {
		mark = ErrorStyle.Render(CrossMark)
	}
	fmt.Fprintf(&b, "%s %s %s\n", mark, ValueStyle.Render(target), DimStyle.Render(Latency(res.Duration)))
	b.WriteString(Field("status", StatusLine(res.Status)) + "\n")

	if res.Err != nil {
		b.WriteString(Field("error", ErrorStyle.Render(res.Err.Error())) + "\n")
		return b.String()
	}

	b.WriteString(Field("bytes", fmt.Sprintf("%d", len(res.Body))) + "\n")
	if len(res.Body) > 0 {
		body := string(res.Body)
		if maxBody > 0 && len(body) > maxBody {
			body = body[:maxBody] + DimStyle.Render(fmt.Sprintf(" … (%d more bytes)", len(res.Body)-maxBody))
		}
		b.WriteString(BorderStyle.Render(body) + "\n")
	}
	return b.String()
}
