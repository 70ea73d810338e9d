// Package skill loads SKILL.md skills from disk and exposes them to the
// router as tools.
//
// A skill is a directory holding a SKILL.md file: YAML frontmatter followed
// by markdown instructions.
//
//	---
//	name: pdf
//	description: Work with PDF files
//	requires:
//	  bins: [pdftotext]
//	tools:
//	  - name: extract
//	    description: Extract the text of a PDF
//	    command: pdftotext "$(jq -r .path)" -
//	    schema:
//	      type: object
//	      properties:
//	        path: {type: string}
//	      required: [path]
//	---
//	# Working with PDFs
//	...
package skill

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	Filename  = "SKILL.md"
	delimiter = "---"
)

// Skill is one parsed SKILL.md.
type Skill struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	OS          []string   `yaml:"os"`
	Requires    *Requires  `yaml:"requires"`
	Tools       []ToolSpec `yaml:"tools"`

	Content string `yaml:"-"`
	Dir     string `yaml:"-"`
}

// Requires gates a skill on its environment.
type Requires struct {
	Bins []string `yaml:"bins"`
	Env  []string `yaml:"env"`
}

// ToolSpec is a command a skill exposes as a tool. The command runs through
// the shell in the skill directory with the JSON arguments on stdin.
type ToolSpec struct {
	Name           string         `yaml:"name"`
	Description    string         `yaml:"description"`
	Schema         map[string]any `yaml:"schema"`
	Command        string         `yaml:"command"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
}

// ParseFile reads and parses a SKILL.md file.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse parses SKILL.md content found in dir.
func Parse(data []byte, dir string) (*Skill, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("failed to split frontmatter: %w", err)
	}

	var s Skill
	if err := yaml.Unmarshal(front, &s); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	s.Content = strings.ReplaceAll(strings.TrimSpace(string(body)), "{baseDir}", dir)
	s.Dir = dir
	return &s, nil
}

// Validate checks the name format and required fields. Names are used as
// tool ids, so they are limited to lowercase letters, digits and hyphens.
func (s *Skill) Validate() error {
	if s.Name == "" {
		return errors.New("skill name is required")
	}
	for _, r := range s.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("name must be lowercase alphanumeric with hyphens: got %q", s.Name)
		}
	}
	if s.Description == "" {
		return errors.New("skill description is required")
	}

	seen := map[string]bool{s.Name: true}
	for _, t := range s.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return errors.New("skill tool without name")
		}
		if strings.Contains(t.Name, "__") {
			return fmt.Errorf("skill tool %q must not contain \"__\"", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate skill tool %q", t.Name)
		}
		if strings.TrimSpace(t.Command) == "" {
			return fmt.Errorf("skill tool %q has no command", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, errors.New("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != delimiter {
		return nil, nil, errors.New("missing opening frontmatter delimiter")
	}

	var front []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == delimiter {
			closed = true
			break
		}
		front = append(front, line)
	}
	if !closed {
		return nil, nil, errors.New("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}

	return []byte(strings.Join(front, "\n")), []byte(strings.Join(body, "\n")), nil
}
