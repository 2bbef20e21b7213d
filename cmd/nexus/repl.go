package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/oriys/nexus/internal/domain"
	"github.com/oriys/nexus/internal/kernel"
)

// repl is the minimal interactive loop. Line editing, completion
// display and colourisation belong to an external front end; this loop
// only reads lines, executes them, and prints results and one-line
// errors. It returns the process exit code.
func repl(k *kernel.Kernel, sigCh <-chan os.Signal) int {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	lineCh := make(chan string)
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
	}()

	var pending strings.Builder
	prompt := func() {
		if pending.Len() > 0 {
			fmt.Print("... ")
		} else {
			fmt.Print("nexus> ")
		}
	}

	prompt()
	for {
		select {
		case <-sigCh:
			fmt.Println()
			// 130 = 128 + SIGINT after graceful shutdown.
			return 130
		case <-doneCh:
			fmt.Println()
			return 0
		case line := <-lineCh:
			pending.WriteString(line)

			input := pending.String()
			if continuesMultiline(input) {
				pending.WriteString("\n")
				prompt()
				continue
			}
			pending.Reset()

			if strings.TrimSpace(input) == "" {
				prompt()
				continue
			}
			if strings.TrimSpace(input) == "exit" {
				return 0
			}

			v, err := k.Execute(context.Background(), input)
			if err != nil {
				printError(err)
			} else if !v.IsNull() {
				fmt.Println(v.Render())
			}
			prompt()
		}
	}
}

// continuesMultiline reports whether the accumulated input has more
// open braces/brackets/parens than closed ones outside quotes, in
// which case the REPL keeps reading lines.
func continuesMultiline(input string) bool {
	depth := 0
	inSingle, inDouble, escape := false, false, false
	for i := 0; i < len(input); i++ {
		c := input[i]
		switch {
		case escape:
			escape = false
		case inSingle:
			if c == '\'' {
				inSingle = false
			}
		case inDouble:
			if c == '\\' {
				escape = true
			} else if c == '"' {
				inDouble = false
			}
		default:
			switch c {
			case '\'':
				inSingle = true
			case '"':
				inDouble = true
			case '{', '[', '(':
				depth++
			case '}', ']', ')':
				depth--
			}
		}
	}
	return depth > 0
}

// printError renders the one-line error form, plus a structured trace
// in debug mode.
func printError(err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		fmt.Fprintf(os.Stderr, "%s: %s\n", de.Kind, de.Message)
		if debugEnabled() && de.Source != nil {
			fmt.Fprintf(os.Stderr, "  caused by: %v\n", de.Source)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", domain.ErrInternal, err)
}

func debugEnabled() bool {
	v := os.Getenv("NEXUS_DEBUG")
	return v == "1" || v == "true"
}
