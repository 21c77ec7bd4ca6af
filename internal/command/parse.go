package command

import (
	"fmt"
	"strings"
)

// Op is the closed set of built-in operations. Anything else resolves to
// OpExtension and is looked up in the dispatcher's extension map.
type Op int

const (
	OpExtension Op = iota
	OpHelp
	OpStatus
	OpTasks
	OpTask
	OpWait
	OpModules
	OpRun
	OpGet
	OpSet
	OpHistory
	OpPlan
)

var opNames = map[string]Op{
	"help":    OpHelp,
	"status":  OpStatus,
	"tasks":   OpTasks,
	"task":    OpTask,
	"wait":    OpWait,
	"modules": OpModules,
	"run":     OpRun,
	"get":     OpGet,
	"set":     OpSet,
	"history": OpHistory,
	"plan":    OpPlan,
}

func (o Op) String() string {
	for name, op := range opNames {
		if op == o {
			return name
		}
	}
	return "extension"
}

// Builtin reports whether name is a reserved built-in operation.
func Builtin(name string) bool {
	_, ok := opNames[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Command is a parsed command line.
type Command struct {
	Op    Op
	Name  string
	Args  []string
	Flags map[string]string
	Bools map[string]bool
	Raw   string
}

func (c Command) Flag(name, def string) string {
	if v, ok := c.Flags[name]; ok {
		return v
	}
	return def
}

// Parse tokenizes line and resolves its operation. A leading "/" is
// accepted and ignored.
func Parse(line string) (Command, error) {
	raw := strings.TrimSpace(line)
	toks := tokenize(raw)
	if len(toks) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrUsage)
	}
	name := strings.ToLower(strings.TrimPrefix(toks[0], "/"))
	if name == "" {
		return Command{}, fmt.Errorf("%w: empty command", ErrUsage)
	}
	pos, flags, bools := parseFlags(toks[1:])
	return Command{
		Op:    opNames[name],
		Name:  name,
		Args:  pos,
		Flags: flags,
		Bools: bools,
		Raw:   raw,
	}, nil
}

// tokenize splits command text into tokens, honouring quotes and
// backslash escapes:
//
//	set greeting "hello world" --json
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
		quote bool
	)
	flush := func() {
		if buf.Len() > 0 || quote {
			out = append(out, buf.String())
			buf.Reset()
		}
		quote = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			quote = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits args into positionals and flags. Supported forms are
// --k=v, --k v and --flag. Values that look like negative numbers stay
// positional.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") || len(a) == 2 {
			pos = append(pos, a)
			continue
		}
		key := strings.TrimPrefix(a, "--")
		if eq := strings.IndexByte(key, '='); eq >= 0 {
			flags[key[:eq]] = key[eq+1:]
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			flags[key] = args[i+1]
			i++
			continue
		}
		bools[key] = true
	}
	return pos, flags, bools
}
