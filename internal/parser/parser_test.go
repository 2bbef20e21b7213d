package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/oriys/nexus/internal/domain"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		line string
		mode domain.Mode
	}{
		{"plain command", "ls -la", domain.ModeTraditional},
		{"pipeline", "echo hi | wc -c", domain.ModeTraditional},
		{"method call", `fs.readFile("a.txt")`, domain.ModeScripted},
		{"chained call", `fs.dir(".").filter(f => f.size > 1024)`, domain.ModeScripted},
		{"arrow fn", "xs.map(x => x)", domain.ModeScripted},
		{"const kw", "const x = 1", domain.ModeScripted},
		{"let kw", "let y = 2", domain.ModeScripted},
		{"return kw", "return 3", domain.ModeScripted},
		{"if block", "if (x) { y }", domain.ModeScripted},
		{"for block", "for (;;) {}", domain.ModeScripted},
		{"try block", "try { risky() } catch (e) {}", domain.ModeScripted},
		{"dotted call inside quotes", `echo "fs.readFile(x)"`, domain.ModeTraditional},
		{"keyword inside quotes", `echo "const"`, domain.ModeTraditional},
		{"word containing let", "deletes file.txt", domain.ModeTraditional},
		{"dotted filename no call", "cat archive.tar.gz", domain.ModeTraditional},
		{"or chain is not a pipe", "ls || true", domain.ModeTraditional},
		{"multiline unbalanced brace", "{\n  x: 1", domain.ModeScripted},
		{"mixed pipeline promotes", `ls | xs.filter(x => x)`, domain.ModeScripted},
	}
	p := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := p.Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.line, err)
			}
			if plan.Mode != tt.mode {
				t.Errorf("mode = %s, want %s", plan.Mode, tt.mode)
			}
			if plan.Mode == domain.ModeScripted && plan.Script != tt.line {
				t.Errorf("script = %q, want original line", plan.Script)
			}
		})
	}
}

func TestTokenisation(t *testing.T) {
	p := New()

	tests := []struct {
		name string
		line string
		cmd  string
		args []string
	}{
		{"simple", "echo hello world", "echo", []string{"hello", "world"}},
		{"double quoted", `echo "hello world"`, "echo", []string{"hello world"}},
		{"single quoted", `echo 'a  b'`, "echo", []string{"a  b"}},
		{"quote joins token", `ls "a b".txt`, "ls", []string{"a b.txt"}},
		{"escape in double quotes", `echo "a\"b"`, "echo", []string{`a"b`}},
		{"empty quotes", `echo ""`, "echo", []string{""}},
		{"lone dash is positional", "cat -", "cat", []string{"-"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := p.Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(plan.Commands) != 1 {
				t.Fatalf("commands = %d, want 1", len(plan.Commands))
			}
			cmd := plan.Commands[0]
			if cmd.Name != tt.cmd {
				t.Errorf("name = %q, want %q", cmd.Name, tt.cmd)
			}
			if len(cmd.Args) != len(tt.args) {
				t.Fatalf("args = %v, want %v", cmd.Args, tt.args)
			}
			for i := range tt.args {
				if cmd.Args[i] != tt.args[i] {
					t.Errorf("arg[%d] = %q, want %q", i, cmd.Args[i], tt.args[i])
				}
			}
		})
	}
}

func TestFlagParsing(t *testing.T) {
	p := New()
	plan, err := p.Parse(`cp --mode=fast --force -rvp src dst`)
	if err != nil {
		t.Fatal(err)
	}
	cmd := plan.Commands[0]

	if fv, ok := cmd.Flags["mode"]; !ok || fv.IsBool || fv.Str != "fast" {
		t.Errorf("mode flag = %+v", fv)
	}
	if fv, ok := cmd.Flags["force"]; !ok || !fv.IsBool || !fv.Bool {
		t.Errorf("force flag = %+v", fv)
	}
	for _, short := range []string{"r", "v", "p"} {
		if fv, ok := cmd.Flags[short]; !ok || !fv.IsBool {
			t.Errorf("short flag %q = %+v", short, fv)
		}
	}
	if len(cmd.Args) != 2 || cmd.Args[0] != "src" || cmd.Args[1] != "dst" {
		t.Errorf("args = %v", cmd.Args)
	}
}

func TestBackground(t *testing.T) {
	p := New()
	plan, err := p.Parse("sleep 10 &")
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Commands[0].Background {
		t.Error("background not detected")
	}
	if len(plan.Commands[0].Args) != 1 {
		t.Errorf("args = %v", plan.Commands[0].Args)
	}
}

func TestPipelineSplit(t *testing.T) {
	p := New()
	plan, err := p.Parse(`cat a.txt | grep "x | y" | wc -l`)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Commands) != 3 {
		t.Fatalf("stages = %d, want 3", len(plan.Commands))
	}
	if plan.Commands[1].Args[0] != "x | y" {
		t.Errorf("quoted pipe split: %q", plan.Commands[1].Args[0])
	}
	if plan.Commands[2].Name != "wc" {
		t.Errorf("stage 3 = %q", plan.Commands[2].Name)
	}
}

func TestSyntaxErrors(t *testing.T) {
	p := New()
	tests := []struct {
		name   string
		line   string
		offset int
	}{
		{"unterminated double", `echo "abc`, 5},
		{"unterminated single", `echo 'abc`, 5},
		{"trailing escape", `echo "ab\`, 5},
		{"control char", "ls \x01", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(tt.line)
			var de *domain.Error
			if !errors.As(err, &de) {
				t.Fatalf("expected syntax error, got %v", err)
			}
			if de.Kind != domain.ErrSyntax {
				t.Fatalf("kind = %v", de.Kind)
			}
			if de.Offset < 0 || de.Offset > len(tt.line) {
				t.Fatalf("offset %d outside [0,%d]", de.Offset, len(tt.line))
			}
		})
	}
}

// Parse must be total: arbitrary byte soup either parses or reports a
// syntax error with an in-range offset; it never panics.
func TestParseTotality(t *testing.T) {
	p := New()
	inputs := []string{
		"", "   ", "|", "||", "a|", "|b", "a||b", "--", "-", `"`, `'`, "\\",
		strings.Repeat("|", 50), `a "b`, "x --=y", "-- --", "& &", "a & b",
	}
	for _, in := range inputs {
		plan, err := p.Parse(in)
		if err != nil {
			var de *domain.Error
			if !errors.As(err, &de) || de.Offset < 0 || de.Offset > len(in) {
				t.Errorf("Parse(%q): bad error %v", in, err)
			}
			continue
		}
		if plan == nil {
			t.Errorf("Parse(%q): nil plan without error", in)
		}
	}
}

func TestCompletions(t *testing.T) {
	p := New()
	p.RegisterBuiltins("cd", "cat", "clear", "pwd")
	p.RegisterSurfacePaths("fs.readFile", "fs.writeFile", "fs.stat", "proc.list")

	got := p.Completions("c", 1)
	want := []string{"cat", "cd", "clear"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("completion[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Exact match sorts first.
	got = p.Completions("cd", 2)
	if len(got) == 0 || got[0] != "cd" {
		t.Errorf("exact-first: %v", got)
	}

	got = p.Completions("fs.", 3)
	if len(got) != 3 {
		t.Fatalf("surface completions: %v", got)
	}
	if got[0] != "fs.readFile" {
		t.Errorf("surface[0] = %q", got[0])
	}
}

func TestHighlight(t *testing.T) {
	p := New()

	spans := p.Highlight(`ls --all "my file" | wc`)
	kinds := map[SpanKind]int{}
	for _, s := range spans {
		kinds[s.Kind]++
	}
	if kinds[SpanCommand] != 2 {
		t.Errorf("commands = %d, want 2", kinds[SpanCommand])
	}
	if kinds[SpanFlag] != 1 {
		t.Errorf("flags = %d", kinds[SpanFlag])
	}
	if kinds[SpanString] != 1 {
		t.Errorf("strings = %d", kinds[SpanString])
	}
	if kinds[SpanOperator] != 1 {
		t.Errorf("operators = %d", kinds[SpanOperator])
	}

	spans = p.Highlight("# a comment")
	if len(spans) != 1 || spans[0].Kind != SpanComment {
		t.Errorf("comment spans = %v", spans)
	}

	spans = p.Highlight(`fs.dir(".").filter(f => f.size)`)
	var hasMethod, hasOp bool
	for _, s := range spans {
		if s.Kind == SpanMethod {
			hasMethod = true
		}
		if s.Kind == SpanOperator {
			hasOp = true
		}
	}
	if !hasMethod || !hasOp {
		t.Errorf("scripted spans missing method/operator: %v", spans)
	}
}
