package risk

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Command is one parsed shell invocation inside a bash tool call.
type Command struct {
	Name       string   // executable name, e.g. "rm", "git"
	Args       []string // arguments after the name
	Subcommand string   // first non-flag argument, e.g. "commit" in "git commit"
}

// Pattern returns the wildcard pattern the permission cache keys bash
// approvals under, e.g. "git commit *" or "rm *".
func (c Command) Pattern() string {
	if c.Subcommand != "" {
		return c.Name + " " + c.Subcommand + " *"
	}
	return c.Name + " *"
}

// ParseCommands parses a bash command string into structured commands.
// Pipelines, lists and substitutions all contribute their calls.
func ParseCommands(command string) ([]Command, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}

	var commands []Command
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd := extractCommand(call); cmd != nil {
				commands = append(commands, *cmd)
			}
		}
		return true
	})

	return commands, nil
}

func extractCommand(call *syntax.CallExpr) *Command {
	if len(call.Args) == 0 {
		return nil
	}

	cmd := &Command{}
	cmd.Name = wordToString(call.Args[0])
	if cmd.Name == "" {
		return nil
	}

	for _, arg := range call.Args[1:] {
		argStr := wordToString(arg)
		cmd.Args = append(cmd.Args, argStr)

		if cmd.Subcommand == "" && !strings.HasPrefix(argStr, "-") {
			cmd.Subcommand = argStr
		}
	}

	return cmd
}

// wordToString flattens a syntax.Word. Dynamic parts collapse to
// placeholders so the result stays matchable against patterns.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// destructiveCommands modify or destroy host state outright.
var destructiveCommands = map[string]bool{
	"rm":       true,
	"rmdir":    true,
	"dd":       true,
	"mkfs":     true,
	"chmod":    true,
	"chown":    true,
	"mv":       true,
	"shred":    true,
	"truncate": true,
}

// IsDestructive reports whether any command parsed out of the bash
// string is on the destructive list. A parse failure counts as
// destructive: an unparseable command cannot be vetted.
func IsDestructive(command string) bool {
	commands, err := ParseCommands(command)
	if err != nil {
		return true
	}
	for _, cmd := range commands {
		if destructiveCommands[cmd.Name] {
			return true
		}
	}
	return false
}
