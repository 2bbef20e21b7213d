// Package parser classifies raw input lines and turns them into
// execution plans.
//
// # Classification
//
// A line is scripted when, outside quoted strings, it contains a dotted
// method call, an arrow function, a scripting keyword, or it spans
// multiple lines with unbalanced brackets. Everything else is
// traditional shell syntax. Classification never evaluates the line.
//
// A traditional line containing an unquoted single '|' is a pipeline;
// each segment is parsed as one command. If any segment classifies as
// scripted the whole plan promotes to scripted with the original line
// as its script, so there is exactly one evaluation model per line and
// no value marshalling across '|' boundaries.
//
// # Totality
//
// Parse is a total function: every input yields either a valid plan or
// a SyntaxError whose offset lies within [0, len(input)].
package parser

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/oriys/nexus/internal/domain"
)

var (
	reMethodCall = regexp.MustCompile(`[A-Za-z_$][A-Za-z0-9_$]*\.[A-Za-z_$][A-Za-z0-9_$]*\s*\(`)
	reArrowFn    = regexp.MustCompile(`=>`)
	reKeyword    = regexp.MustCompile(`(^|[^A-Za-z0-9_$])(const|let|var|function|async|await|return)([^A-Za-z0-9_$]|$)`)
	reBlockKw    = regexp.MustCompile(`(^|[^A-Za-z0-9_$])(if|for|while)\s*\(`)
	reTryBlock   = regexp.MustCompile(`(^|[^A-Za-z0-9_$])try\s*\{`)
)

// Parser builds plans and serves completion and highlight queries. The
// registered builtin names and scripted-surface paths feed completions
// only; parsing itself is stateless.
type Parser struct {
	mu       sync.RWMutex
	builtins []string
	surfaces []string
}

// New creates an empty Parser. The kernel registers builtin names and
// bridge surface paths during wiring.
func New() *Parser {
	return &Parser{}
}

// RegisterBuiltins adds builtin command names for completion.
func (p *Parser) RegisterBuiltins(names ...string) {
	p.mu.Lock()
	p.builtins = append(p.builtins, names...)
	sort.Strings(p.builtins)
	p.mu.Unlock()
}

// RegisterSurfacePaths adds dotted scripted-surface method paths
// ("fs.readFile", ...) for completion.
func (p *Parser) RegisterSurfacePaths(paths ...string) {
	p.mu.Lock()
	p.surfaces = append(p.surfaces, paths...)
	sort.Strings(p.surfaces)
	p.mu.Unlock()
}

// Parse classifies and tokenises one input line.
func (p *Parser) Parse(line string) (*domain.ParsedInput, error) {
	if err := validateControls(line); err != nil {
		return nil, err
	}

	if classifyScripted(line) {
		return &domain.ParsedInput{Original: line, Mode: domain.ModeScripted, Script: line}, nil
	}

	segs := splitPipeline(line)

	// A pipeline segment that is itself scripted promotes the whole
	// plan; partial evaluation across '|' is not supported.
	for _, seg := range segs {
		if classifyScripted(seg.text) {
			return &domain.ParsedInput{Original: line, Mode: domain.ModeScripted, Script: line}, nil
		}
	}

	plan := &domain.ParsedInput{Original: line, Mode: domain.ModeTraditional}
	for _, seg := range segs {
		cmd, err := parseCommand(seg)
		if err != nil {
			return nil, err
		}
		if cmd == nil {
			continue // blank segment, e.g. empty input
		}
		plan.Commands = append(plan.Commands, *cmd)
	}
	return plan, nil
}

func validateControls(line string) error {
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			return domain.SyntaxErrorAt(i, "stray control character 0x%02x", c)
		}
	}
	return nil
}

// classifyScripted applies the classification rules to text outside
// quoted strings.
func classifyScripted(line string) bool {
	masked := maskQuotes(line)
	if reMethodCall.MatchString(masked) ||
		reArrowFn.MatchString(masked) ||
		reKeyword.MatchString(masked) ||
		reBlockKw.MatchString(masked) ||
		reTryBlock.MatchString(masked) {
		return true
	}
	if strings.ContainsRune(line, '\n') && bracketDepth(masked) > 0 {
		return true
	}
	return false
}

func bracketDepth(masked string) int {
	depth := 0
	for i := 0; i < len(masked); i++ {
		switch masked[i] {
		case '{', '[', '(':
			depth++
		case '}', ']', ')':
			depth--
		}
	}
	return depth
}

// parseCommand tokenises one pipeline segment into a ParsedCommand.
// Returns (nil, nil) for a blank segment.
func parseCommand(seg segment) (*domain.ParsedCommand, error) {
	tokens, err := scanTokens(seg.text)
	if err != nil {
		shift(err, seg.offset)
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	cmd := &domain.ParsedCommand{
		Name:  tokens[0].text,
		Flags: make(map[string]domain.FlagValue),
		Raw:   strings.TrimSpace(seg.text),
	}

	rest := tokens[1:]
	if n := len(rest); n > 0 && rest[n-1].text == "&" && !rest[n-1].quoted {
		cmd.Background = true
		rest = rest[:n-1]
	}

	cmd.Argv = append(cmd.Argv, cmd.Name)
	for _, tok := range rest {
		cmd.Argv = append(cmd.Argv, tok.text)
	}

	for _, tok := range rest {
		switch {
		case tok.flaggable && strings.HasPrefix(tok.text, "--"):
			key := tok.text[2:]
			if eq := strings.IndexByte(key, '='); eq >= 0 {
				cmd.Flags[key[:eq]] = domain.StringFlag(key[eq+1:])
			} else if key != "" {
				cmd.Flags[key] = domain.BoolFlag()
			}
		case tok.flaggable && len(tok.text) > 1:
			// -abc expands to boolean short flags a, b, c.
			for _, r := range tok.text[1:] {
				cmd.Flags[string(r)] = domain.BoolFlag()
			}
		default:
			cmd.Args = append(cmd.Args, tok.text)
		}
	}
	return cmd, nil
}

// shift rebases a tokenizer error's offset from segment-local to
// line-global coordinates.
func shift(err error, by int) {
	if de, ok := err.(*domain.Error); ok && de.Offset >= 0 {
		de.Offset += by
	}
}
