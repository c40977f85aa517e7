package executor

import (
	"regexp"
	"strings"
)

// DefaultDenyList holds the tokens that reject a script before it runs.
// Matching is a plain substring check on the verbatim script text.
var DefaultDenyList = []string{
	// session creation and teardown
	"rod.New", "launcher.", "MustConnect", "MustPage", ".Close(", "MustClose", "Quit(",
	// process spawning
	"os/exec", "exec.Command", "StartProcess", "ForkExec", "syscall",
	// filesystem writes
	`"os"`, "os.Create", "os.Open", "os.Remove", "os.Write", "os.Mkdir", "os.Exit", "ioutil", "WriteFile", `"io/fs"`,
	// interpreter-level code execution
	"yaegi", "interp.", "Eval(", `"reflect"`, `"unsafe"`, `"plugin"`,
	// raw sockets
	`"net"`, `"net/http"`, "net.Dial", "net.Listen", "Dialer", "socket",
}

// Policy rejects scripts containing deny-listed tokens.
type Policy struct {
	deny []string
}

// NewPolicy builds a policy from deny. An empty list falls back to DefaultDenyList.
func NewPolicy(deny []string) *Policy {
	if len(deny) == 0 {
		deny = DefaultDenyList
	}
	return &Policy{deny: deny}
}

// Check returns the first deny-listed token found in script.
func (p *Policy) Check(script string) (string, bool) {
	for _, token := range p.deny {
		if token != "" && strings.Contains(script, token) {
			return token, false
		}
	}
	return "", true
}

var fenceRe = regexp.MustCompile("(?m)^\\s*```[A-Za-z]*\\s*$")

// Normalize strips markdown fences and common leading indentation.
func Normalize(script string) string {
	script = fenceRe.ReplaceAllString(script, "")
	script = strings.ReplaceAll(script, "\r\n", "\n")
	return strings.TrimSpace(dedent(script))
}

func dedent(s string) string {
	lines := strings.Split(s, "\n")

	prefix := ""
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first {
			prefix, first = indent, false
			continue
		}
		for !strings.HasPrefix(indent, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	if prefix == "" {
		return s
	}

	for i, line := range lines {
		lines[i] = strings.TrimPrefix(line, prefix)
	}
	return strings.Join(lines, "\n")
}
