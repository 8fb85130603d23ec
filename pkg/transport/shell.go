package transport

import (
	"path/filepath"
	"sort"
	"strings"
)

// SudoPrompt is the prompt passed to sudo so password prompts can be detected.
const SudoPrompt = "[sudo] skein password: "

// ShellCommand is a command line ready to hand to a POSIX shell.
type ShellCommand struct {
	// Line is the full command line.
	Line string

	// Stdin is written to the command's standard input.
	Stdin []byte
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./_-", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ShellJoin quotes and joins words.
func ShellJoin(words ...string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = ShellQuote(w)
	}
	return strings.Join(quoted, " ")
}

// CommandSpec describes how to wrap a command for execution.
type CommandSpec struct {
	Command      string
	Env          map[string]string
	RunAs        string
	LoginUser    string
	SudoPassword string
	Stdin        []byte
}

// BuildCommand wraps spec.Command with the environment and, when RunAs names
// a user other than the login user, sudo.
func BuildCommand(spec CommandSpec) ShellCommand {
	line := spec.Command
	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		assigns := make([]string, len(keys))
		for i, k := range keys {
			assigns[i] = k + "=" + ShellQuote(spec.Env[k])
		}
		line = "env " + strings.Join(assigns, " ") + " sh -c " + ShellQuote(line)
	}

	stdin := spec.Stdin
	if spec.RunAs != "" && spec.RunAs != spec.LoginUser {
		if spec.SudoPassword != "" {
			line = "sudo -S -E -p " + ShellQuote(SudoPrompt) + " -u " + ShellQuote(spec.RunAs) + " -- sh -c " + ShellQuote(line)
			stdin = append([]byte(spec.SudoPassword+"\n"), stdin...)
		} else {
			line = "sudo -n -E -u " + ShellQuote(spec.RunAs) + " -- sh -c " + ShellQuote(line)
		}
	}

	return ShellCommand{Line: line, Stdin: stdin}
}

// Interpreter returns the interpreter configured for path's extension, or "".
func Interpreter(interpreters map[string]string, path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return ""
	}
	if i, ok := interpreters[ext]; ok {
		return i
	}
	return interpreters[strings.TrimPrefix(ext, ".")]
}
