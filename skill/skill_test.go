package skill

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"otcore/model"
	"otcore/tools"
)

const echoSkill = `---
name: echo
description: Echo things back
tools:
  - name: repeat
    description: Print the arguments
    command: cat
    schema:
      type: object
      properties:
        text: {type: string}
      required: [text]
  - name: broken
    command: echo nope >&2; exit 3
---

# Echo

Files live in {baseDir}.
`

func writeSkill(t *testing.T, root, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, Filename), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return dir
}

func TestParse(t *testing.T) {
	s, err := Parse([]byte(echoSkill), "/skills/echo")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Name != "echo" || s.Description != "Echo things back" {
		t.Errorf("got %q / %q", s.Name, s.Description)
	}
	if len(s.Tools) != 2 || s.Tools[0].Name != "repeat" {
		t.Fatalf("got tools %+v", s.Tools)
	}
	if !strings.Contains(s.Content, "Files live in /skills/echo.") {
		t.Errorf("baseDir not expanded: %q", s.Content)
	}
	if strings.HasPrefix(s.Content, "\n") {
		t.Errorf("content not trimmed: %q", s.Content)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty", "", "empty file"},
		{"no frontmatter", "# Title\n", "missing opening"},
		{"unclosed", "---\nname: x\n", "missing closing"},
		{"no name", "---\ndescription: d\n---\n", "name is required"},
		{"bad name", "---\nname: My Skill\ndescription: d\n---\n", "lowercase"},
		{"no description", "---\nname: x\n---\n", "description is required"},
		{"tool without command", "---\nname: x\ndescription: d\ntools:\n  - name: t\n---\n", "no command"},
		{"tool with separator", "---\nname: x\ndescription: d\ntools:\n  - name: a__b\n    command: ls\n---\n", "must not contain"},
		{"duplicate tool", "---\nname: x\ndescription: d\ntools:\n  - name: x\n    command: ls\n---\n", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), "/d")
			if err == nil {
				t.Fatal("Parse succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestIneligible(t *testing.T) {
	t.Setenv("OTCORE_SKILL_TEST_SET", "1")
	tests := []struct {
		name  string
		skill Skill
		want  string
	}{
		{"no requirements", Skill{}, ""},
		{"env set", Skill{Requires: &Requires{Env: []string{"OTCORE_SKILL_TEST_SET"}}}, ""},
		{"env missing", Skill{Requires: &Requires{Env: []string{"OTCORE_SKILL_TEST_UNSET"}}}, "missing environment variable"},
		{"binary missing", Skill{Requires: &Requires{Bins: []string{"otcore-no-such-binary"}}}, "missing binary"},
		{"other os", Skill{OS: []string{"plan9-only"}}, "requires os"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.skill.Ineligible()
			if tt.want == "" && got != "" {
				t.Errorf("got %q, want eligible", got)
			}
			if tt.want != "" && !strings.Contains(got, tt.want) {
				t.Errorf("got %q, want it to mention %q", got, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "echo", echoSkill)
	writeSkill(t, root, "gated", "---\nname: gated\ndescription: d\nrequires:\n  env: [OTCORE_SKILL_TEST_UNSET]\n---\n")
	writeSkill(t, root, "invalid", "no frontmatter")
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := NewBackend(nil)
	n, err := b.Load(context.Background(), root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d skills, want 1", n)
	}

	descs, err := b.Descriptors(context.Background())
	if err != nil {
		t.Fatalf("Descriptors: %v", err)
	}
	var names []string
	for _, d := range descs {
		names = append(names, d.Name.String())
	}
	want := "echo__skill-echo,repeat__skill-echo,broken__skill-echo"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestLoadMissingDir(t *testing.T) {
	n, err := NewBackend(nil).Load(context.Background(), filepath.Join(t.TempDir(), "absent"))
	if err != nil || n != 0 {
		t.Errorf("got %d, %v; want 0, nil", n, err)
	}
}

func TestExecuteThroughRouter(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, root, "echo", echoSkill)

	b := NewBackend(nil)
	if _, err := b.Load(context.Background(), root); err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := tools.NewRouter(tools.Options{})
	r.Register(tools.KindSkill, b)
	ctx := context.Background()

	tests := []struct {
		name     string
		call     model.ToolCall
		want     string
		wantFail bool
	}{
		{"instructions", model.ToolCall{Name: "echo__skill-echo", Arguments: `{}`}, "Files live in " + dir, false},
		{"command", model.ToolCall{Name: "repeat__skill-echo", Arguments: `{"text":"hi"}`}, `{"text":"hi"}`, false},
		{"schema enforced", model.ToolCall{Name: "repeat__skill-echo", Arguments: `{}`}, tools.ErrInvalidArguments, true},
		{"command fails", model.ToolCall{Name: "broken__skill-echo", Arguments: `{}`}, "nope", true},
		{"unknown skill", model.ToolCall{Name: "echo__skill-other", Arguments: `{}`}, tools.ErrToolNotFound, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Dispatch(ctx, tt.call)
			if res.Failed() != tt.wantFail {
				t.Fatalf("got failed %v, want %v (%s)", res.Failed(), tt.wantFail, res.Result)
			}
			if !strings.Contains(res.Result, tt.want) {
				t.Errorf("got %q, want it to contain %q", res.Result, tt.want)
			}
		})
	}
}
