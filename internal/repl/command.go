package repl

import (
	"strings"

	"github.com/wmdanor/cdp-cli/cdp"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindVersion
	KindList
	KindNewTab
	KindConnect
	KindActivate
	KindClose
	KindMethodCall
)

// Command is one parsed input line.
type Command struct {
	Kind Kind
	// Arg is the url or target id of NewTab, Connect, Activate and Close.
	Arg  string
	Call cdp.MethodCall
	Line string
}

var prefixed = []struct {
	prefix string
	kind   Kind
}{
	{"newtab ", KindNewTab},
	{"connect ", KindConnect},
	{"activate ", KindActivate},
	{"close ", KindClose},
}

// ParseCommand parses a line; ok is false for blank lines. Lines that are not
// a known command or a Domain.method(params) call are KindUnknown.
func ParseCommand(line string) (cmd Command, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, false
	}
	cmd.Line = line

	switch line {
	case "version":
		cmd.Kind = KindVersion
		return cmd, true
	case "list":
		cmd.Kind = KindList
		return cmd, true
	}

	for _, p := range prefixed {
		if arg, found := strings.CutPrefix(line, p.prefix); found {
			cmd.Kind = p.kind
			cmd.Arg = strings.TrimSpace(arg)
			return cmd, true
		}
	}

	if mc, err := cdp.ParseMethodCall(line); err == nil {
		cmd.Kind = KindMethodCall
		cmd.Call = mc
		return cmd, true
	}

	cmd.Kind = KindUnknown
	return cmd, true
}
