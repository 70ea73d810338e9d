package ui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrCancelled is returned when the user dismisses a prompt.
var ErrCancelled = errors.New("cancelled")

// PassphrasePrompt asks for the passphrase of an encrypted SSH key.
type PassphrasePrompt struct {
	keyPath   string
	input     textinput.Model
	err       string
	width     int
	cancelled bool
}

func NewPassphrasePrompt(keyPath string) PassphrasePrompt {
	input := textinput.New()
	input.Placeholder = "Enter passphrase"
	input.Width = 50
	input.CharLimit = 200
	input.EchoMode = textinput.EchoPassword
	input.EchoCharacter = '•'
	input.Focus()

	return PassphrasePrompt{keyPath: keyPath, input: input, width: 80}
}

func (m PassphrasePrompt) Init() tea.Cmd {
	return textinput.Blink
}

func (m PassphrasePrompt) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit
		case "enter":
			if strings.TrimSpace(m.input.Value()) == "" {
				m.err = "Passphrase cannot be empty"
				return m, nil
			}
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m PassphrasePrompt) View() string {
	boxWidth := min(70, max(m.width-4, 20))

	lines := []string{
		TitleStyle.Render("SSH Key Passphrase Required"),
		"",
		"Stored API keys are encrypted with an SSH key that has a passphrase.",
		DimStyle.Render("Key: " + m.keyPath),
		"",
		m.input.View(),
	}
	if m.err != "" {
		lines = append(lines, "", ErrorStyle.Render(m.err))
	}
	lines = append(lines, "", FormatFooter("Enter", "Unlock", "Esc", "Cancel"))

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accentColor).
		Padding(0, 1).
		Width(boxWidth)
	return box.Render(strings.Join(lines, "\n")) + "\n"
}

// Passphrase returns the entered value, empty if the prompt was cancelled.
func (m PassphrasePrompt) Passphrase() string {
	if m.cancelled {
		return ""
	}
	return m.input.Value()
}

// PromptPassphrase runs the prompt inline and returns the passphrase, or
// ErrCancelled.
func PromptPassphrase(ctx context.Context, keyPath string) (string, error) {
	final, err := tea.NewProgram(NewPassphrasePrompt(keyPath), tea.WithContext(ctx)).Run()
	if err != nil {
		return "", err
	}
	p := final.(PassphrasePrompt)
	if p.cancelled {
		return "", ErrCancelled
	}
	return p.Passphrase(), nil
}
