package ui

import (
	"fmt"
	"regexp"
	"strings"

	markdown "github.com/MichaelMure/go-term-markdown"
	gomarkdown "github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/parser"
	"github.com/mattn/go-runewidth"

	"otcore/agent"
	"otcore/model"
)

const codeBar = "┃"

var (
	inlineCodeRegex = regexp.MustCompile(`(?s)\x1b\[44;3m(.*?)\x1b\[0m`)
	mdLinkRegex     = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^\)]+)\)`)
	urlRegex        = regexp.MustCompile(`(https?://[^\s\x1b]+)`)
	spaceRegex      = regexp.MustCompile(`\s+`)
)

// RenderMarkdown renders content for a terminal of the given width.
// Autolinking is off so terminals can detect and open plain URLs.
func RenderMarkdown(content string, width int) string {
	if width < 20 {
		width = 20
	}
	content = mdLinkRegex.ReplaceAllString(content, "$2")

	ext := markdown.Extensions() &^ parser.Autolink
	p := parser.NewWithExtensions(ext)
	r := markdown.NewRenderer(width-4, 0)
	rendered := gomarkdown.Render(p.Parse([]byte(content)), r)

	out := inlineCodeRegex.ReplaceAllString(string(rendered), "\x1b[31m$1\x1b[0m")
	out = colorURLs(out)
	out = frameCodeBlocks(out, width)
	return strings.TrimRight(out, "\n")
}

func colorURLs(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		// code block lines keep their own highlighting
		if !strings.Contains(line, codeBar) {
			lines[i] = urlRegex.ReplaceAllString(line, "\x1b[31m$1\x1b[0m")
		}
	}
	return strings.Join(lines, "\n")
}

// frameCodeBlocks replaces the bar the renderer puts before code lines
// with a labelled rule above and below the block.
func frameCodeBlocks(s string, width int) string {
	const darkGray, reset = "\x1b[90m", "\x1b[0m"
	rule := width - 4
	if rule < 10 {
		rule = 10
	}
	label := "[code]"
	left := (rule - len(label)) / 2
	top := darkGray + strings.Repeat("━", left) + reset + label + darkGray + strings.Repeat("━", rule-len(label)-left) + reset
	bottom := darkGray + strings.Repeat("━", rule) + reset

	var out []string
	inBlock := false
	for _, line := range strings.Split(s, "\n") {
		if idx := strings.Index(line, codeBar); idx >= 0 {
			if !inBlock {
				inBlock = true
				out = append(out, "", top)
			}
			out = append(out, strings.TrimPrefix(line[idx+len(codeBar):], " "))
			continue
		}
		if inBlock {
			inBlock = false
			out = append(out, bottom, "")
		}
		out = append(out, line)
	}
	if inBlock {
		out = append(out, bottom)
	}
	return strings.Join(out, "\n")
}

// Preview collapses text to one line no wider than width cells.
func Preview(text string, width int) string {
	text = strings.TrimSpace(spaceRegex.ReplaceAllString(text, " "))
	if width <= 0 || runewidth.StringWidth(text) <= width {
		return text
	}
	return runewidth.Truncate(text, width, "...")
}

// RenderMessage renders one history message for the transcript.
func RenderMessage(msg model.Message, width int) string {
	stamp := ""
	if !msg.CreatedAt.IsZero() {
		stamp = DimStyle.Render(msg.CreatedAt.Format("15:04")) + " "
	}

	switch {
	case msg.IsError():
		return stamp + ErrorStyle.Render("Error") + "\n" + msg.Content
	case msg.Role == model.RoleUser:
		return stamp + UserStyle.Render("You") + "\n" + msg.Content
	case msg.Role == model.RoleTool:
		return ToolStyle.Render("  ← ") + DimStyle.Render(Preview(msg.Content, width-4))
	case msg.Role == model.RoleAssistant:
		var b strings.Builder
		b.WriteString(stamp + AssistantStyle.Render("Assistant"))
		if msg.Content != "" {
			b.WriteString("\n" + RenderMarkdown(msg.Content, width))
		}
		for _, call := range msg.ToolCalls {
			b.WriteString("\n" + ToolStyle.Render("  → "+call.Name) + " " + DimStyle.Render(Preview(call.Arguments, width-8-runewidth.StringWidth(call.Name))))
		}
		return b.String()
	default:
		return DimStyle.Render(msg.Content)
	}
}

// RenderTranscript renders messages separated by blank lines.
func RenderTranscript(msgs []model.Message, width int) string {
	blocks := make([]string, 0, len(msgs))
	for _, m := range msgs {
		blocks = append(blocks, RenderMessage(m, width))
	}
	return strings.Join(blocks, "\n\n")
}

// RenderPlan renders a plan as a checklist.
func RenderPlan(plan []agent.Step) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Plan"))
	for i, s := range plan {
		mark := DimStyle.Render("[ ]")
		switch {
		case s.Failed:
			mark = ErrorStyle.Render("[x]")
		case s.Done:
			mark = UserStyle.Render("[✓]")
		}
		fmt.Fprintf(&b, "\n%s %d. %s", mark, i+1, s.Title)
	}
	return b.String()
}
