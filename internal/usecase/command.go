package usecase

import (
	"fmt"
	"sort"
	"strings"

	"github.com/poer2023/chusea-sub003/internal/domain"
)

// CommandSpec describes one slash command and how its input is validated.
type CommandSpec struct {
	Name        string // without the leading slash
	Summary     string
	RequiresArg bool // command is rejected when invoked with no argument text
}

// CommandRegistry maps slash-command names to their specs and turns raw chat
// input into structured command requests.
type CommandRegistry struct {
	specs map[string]CommandSpec
}

// NewCommandRegistry returns a registry with the built-in writing commands.
func NewCommandRegistry() *CommandRegistry {
	r := &CommandRegistry{specs: make(map[string]CommandSpec)}
	for _, spec := range []CommandSpec{
		{Name: "rewrite", Summary: "rewrite the given text", RequiresArg: true},
		{Name: "summarize", Summary: "summarize the given text", RequiresArg: true},
		{Name: "expand", Summary: "expand the given text with more detail", RequiresArg: true},
		{Name: "tone", Summary: "adjust tone: /tone <target> <text>", RequiresArg: true},
		{Name: "cite", Summary: "suggest citations for the given claim", RequiresArg: true},
	} {
		r.Register(spec)
	}
	return r
}

// Register adds or replaces a command spec.
func (r *CommandRegistry) Register(spec CommandSpec) {
	r.specs[spec.Name] = spec
}

// Specs returns the registered commands sorted by name.
func (r *CommandRegistry) Specs() []CommandSpec {
	out := make([]CommandSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Parse converts chat input into an AIRequest. Input starting with "/" is
// treated as a slash command: the request carries the command name in its
// context and the remaining text as content. Anything else becomes a plain
// chat request. Unknown commands and missing required arguments are errors.
func (r *CommandRegistry) Parse(input string) (domain.AIRequest, error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return domain.NewAIRequest(domain.RequestChat, input), nil
	}

	name, rest, _ := strings.Cut(strings.TrimPrefix(input, "/"), " ")
	rest = strings.TrimSpace(rest)

	spec, ok := r.specs[name]
	if !ok {
		return domain.AIRequest{}, domain.NewDomainError("CommandRegistry.Parse", domain.ErrCommandUnknown, "/"+name)
	}
	if spec.RequiresArg && rest == "" {
		return domain.AIRequest{}, domain.NewDomainError("CommandRegistry.Parse",
			domain.ErrInvalidInput, fmt.Sprintf("/%s requires text", name))
	}

	req := domain.NewAIRequest(domain.RequestCommand, rest)
	req.Context = map[string]string{"command": name}

	// /tone <target> <text>: the first word selects the target tone.
	if name == "tone" {
		target, text, _ := strings.Cut(rest, " ")
		req.Context["tone"] = target
		req.Content = strings.TrimSpace(text)
		if req.Content == "" {
			return domain.AIRequest{}, domain.NewDomainError("CommandRegistry.Parse",
				domain.ErrInvalidInput, "/tone requires a target tone and text")
		}
	}
	return req, nil
}
