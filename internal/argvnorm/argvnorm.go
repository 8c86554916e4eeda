// Package argvnorm decides whether a client-provided argv should be passed
// to the worker verbatim or wrapped into a single shell one-liner.
package argvnorm

import (
	"regexp"
	"strings"
)

// shellInvocations are argv[0] values that indicate the caller already
// built their own shell command line (e.g. ["bash", "-lc", "echo hi"]).
var shellInvocations = map[string]bool{
	"sh": true, "bash": true, "zsh": true,
}

var shellFlagPattern = regexp.MustCompile(`^-l?c$`)

// Normalize returns the argv to execute and whether it should run under a
// shell. If argv already looks like `<shell> -c|-lc '<command>'`, it is
// passed through verbatim with useShell=false (the worker just execs it).
// Otherwise the tokens are shell-quoted and joined into ["bash", "-lc",
// "<joined>"], with useShell=true. Because every token is single-quoted, a
// $VAR inside a token reaches bash -lc as literal text and is not expanded
// by it. Normalize does not look at remote_env and rewrites no variable
// references.
func Normalize(argv []string) (out []string, useShell bool) {
	if len(argv) == 3 && shellInvocations[argv[0]] && shellFlagPattern.MatchString(argv[1]) {
		return argv, false
	}
	return []string{"bash", "-lc", joinQuoted(argv)}, true
}

// joinQuoted single-quotes each token and joins with spaces, escaping any
// embedded single quote as '\'' — the standard POSIX single-quote escape.
func joinQuoted(argv []string) string {
	quoted := make([]string, len(argv))
	for i, tok := range argv {
		quoted[i] = "'" + strings.ReplaceAll(tok, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
