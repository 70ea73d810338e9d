package skill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"otcore/model"
	"otcore/tools"
)

const (
	defaultTimeout = 30 * time.Second
	maxOutput      = 64 * 1024
)

var instructionsSchema = json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"What you intend to do with the skill"}}}`)

// Backend serves loaded skills. Every skill has one tool named after it that
// returns its instructions, plus one tool per command in its frontmatter.
type Backend struct {
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
}

var _ tools.Backend = (*Backend)(nil)

func NewBackend(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{logger: logger.With("component", "skill"), skills: make(map[string]*Skill)}
}

// Load discovers skills in the subdirectories of dir. A missing directory
// is not an error. Skills that fail to parse or whose requirements are not
// met are skipped with a log line.
func (b *Backend) Load(ctx context.Context, dir string) (int, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		b.logger.Debug("skills directory does not exist", "path", dir)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), Filename)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		s, err := ParseFile(path)
		if err != nil {
			b.logger.Warn("failed to parse skill", "path", path, "error", err)
			continue
		}
		if reason := s.Ineligible(); reason != "" {
			b.logger.Info("skill skipped", "name", s.Name, "reason", reason)
			continue
		}
		b.Add(s)
		loaded++
	}

	b.logger.Info("discovered skills", "count", loaded, "path", dir)
	return loaded, nil
}

// Ineligible returns why the skill cannot run here, or "" when it can.
func (s *Skill) Ineligible() string {
	if len(s.OS) > 0 && !slices.Contains(s.OS, runtime.GOOS) {
		return fmt.Sprintf("requires os %s", strings.Join(s.OS, "|"))
	}
	if s.Requires == nil {
		return ""
	}
	for _, bin := range s.Requires.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Sprintf("missing binary %s", bin)
		}
	}
	for _, env := range s.Requires.Env {
		if os.Getenv(env) == "" {
			return fmt.Sprintf("missing environment variable %s", env)
		}
	}
	return ""
}

// Add registers a skill, replacing one with the same name.
func (b *Backend) Add(s *Skill) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.skills[s.Name] = s
}

// Skills returns the loaded skills sorted by name.
func (b *Backend) Skills() []*Skill {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Skill, 0, len(b.skills))
	for _, s := range b.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Backend) Descriptors(ctx context.Context) ([]tools.Descriptor, error) {
	var out []tools.Descriptor
	for _, s := range b.Skills() {
		out = append(out, tools.Descriptor{
			Name: tools.Name{Kind: tools.KindSkill, ID: s.Name, Tool: s.Name},
			Tool: mcptypes.NewToolWithRawSchema(s.Name,
				fmt.Sprintf("Load the instructions of the %s skill: %s", s.Name, s.Description), instructionsSchema),
		})
		for _, spec := range s.Tools {
			out = append(out, tools.Descriptor{
				Name: tools.Name{Kind: tools.KindSkill, ID: s.Name, Tool: spec.Name},
				Tool: mcptypes.NewToolWithRawSchema(spec.Name, spec.description(s), spec.schema()),
			})
		}
	}
	return out, nil
}

func (b *Backend) Execute(ctx context.Context, id, tool string, args map[string]any) (any, error) {
	b.mu.RLock()
	s, ok := b.skills[id]
	b.mu.RUnlock()
	if !ok {
		return nil, &model.ToolNotFoundError{Name: tools.Name{Kind: tools.KindSkill, ID: id, Tool: tool}.String()}
	}

	if tool == s.Name {
		return s.Content, nil
	}
	for _, spec := range s.Tools {
		if spec.Name == tool {
			return run(ctx, s, spec, args)
		}
	}
	return nil, &model.ToolNotFoundError{Name: tools.Name{Kind: tools.KindSkill, ID: id, Tool: tool}.String()}
}

func (t ToolSpec) description(s *Skill) string {
	if t.Description != "" {
		return t.Description
	}
	return fmt.Sprintf("%s tool of the %s skill", t.Name, s.Name)
}

func (t ToolSpec) schema() json.RawMessage {
	if t.Schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	data, err := json.Marshal(t.Schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// run executes a skill command with the arguments as JSON on stdin and
// returns its standard output.
func run(ctx context.Context, s *Skill, spec ToolSpec, args map[string]any) (string, error) {
	input, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode arguments: %w", err)
	}

	timeout := defaultTimeout
	if spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", spec.Command)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(),
		"SKILL_NAME="+s.Name,
		"SKILL_DIR="+s.Dir,
		"SKILL_TOOL="+spec.Name,
		"SKILL_INPUT="+string(input),
	)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%s timed out after %s", spec.Name, timeout)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s failed: %s", spec.Name, truncate(msg))
	}
	return truncate(stdout.String()), nil
}

func truncate(s string) string {
	if len(s) > maxOutput {
		return s[:maxOutput] + "\n[output truncated]"
	}
	return s
}
