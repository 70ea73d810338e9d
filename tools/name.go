// Package tools routes model tool calls to the backend that owns them and
// wraps every outcome, failures included, in a result the model can read.
package tools

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the capability source a tool belongs to.
type Kind string

const (
	KindPlugin    Kind = "plugin"
	KindKnowledge Kind = "knowledge"
	KindWorkflow  Kind = "workflow"
	KindAgent     Kind = "agent"
	KindSkill     Kind = "skill"
	KindExternal  Kind = "external"
	KindBuiltin   Kind = "builtin"
)

// Reserved built-in tool names. They are sent to the model as is.
const (
	GenerateImage = "generate_image"
	InspectImage  = "inspect_image"
)

// Separator joins the tool name and its source in a wire name.
const Separator = "__"

// kinds lists the routable kinds in schema order.
var kinds = []Kind{KindPlugin, KindKnowledge, KindWorkflow, KindAgent, KindSkill, KindExternal}

var markers = map[Kind]string{
	KindPlugin:    "plugin",
	KindKnowledge: "kb",
	KindWorkflow:  "workflow",
	KindAgent:     "agent",
	KindSkill:     "skill",
	KindExternal:  "mcp",
}

// Name is the decoded form of a tool name. ID is the owning source's id
// (plugin id, knowledge base id, server id...) and is empty for built-ins.
type Name struct {
	Kind Kind
	ID   string
	Tool string
}

// Builtin returns the name of a reserved built-in.
func Builtin(tool string) Name {
	return Name{Kind: KindBuiltin, Tool: tool}
}

func (n Name) String() string {
	return Codec{}.Encode(n)
}

// Codec converts between Name and the flat strings models see:
// <tool>__<marker>-<id>, for example search__kb-3f2a.
type Codec struct{}

func (Codec) Encode(n Name) string {
	if n.Kind == KindBuiltin {
		return n.Tool
	}
	return n.Tool + Separator + markers[n.Kind] + "-" + n.ID
}

// Decode parses a wire name. The source is taken after the last separator,
// so tool names may themselves contain it.
func (Codec) Decode(wire string) (Name, error) {
	if isReserved(wire) {
		return Builtin(wire), nil
	}

	idx := strings.LastIndex(wire, Separator)
	if idx <= 0 {
		return Name{}, fmt.Errorf("tool name %q has no source", wire)
	}
	tool, source := wire[:idx], wire[idx+len(Separator):]

	marker, id, ok := strings.Cut(source, "-")
	if !ok || id == "" {
		return Name{}, fmt.Errorf("tool name %q has a malformed source %q", wire, source)
	}
	for _, k := range kinds {
		if markers[k] == marker {
			return Name{Kind: k, ID: id, Tool: tool}, nil
		}
	}
	return Name{}, fmt.Errorf("tool name %q has unknown source kind %q", wire, marker)
}

// ValidateID reports whether id can name a tool source. Decode splits on the
// last separator, so an id containing one could never be routed back.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("source id is required")
	}
	if strings.Contains(id, Separator) {
		return fmt.Errorf("source id %q must not contain %q", id, Separator)
	}
	return nil
}

func isReserved(name string) bool {
	return name == GenerateImage || name == InspectImage
}
