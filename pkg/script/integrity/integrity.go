// Package integrity performs static validation of a script program before
// it is ever executed.
//
// Three checks, in order, each with a distinct rejection: the program must
// parse as valid Python, must define a top-level main taking one parameter,
// and must call main under a top-level `if __name__ == "__main__":` guard.
//
// Validation never executes the program. The syntax check shells out to the
// interpreter's parser only (ast.parse); the structural checks are a line
// scan over the source. A program can pass all three and still misbehave at
// runtime - this is a contract check, not a sandbox.
package integrity

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Rejections, one per check.
var (
	ErrInvalidProgram      = errors.New("program is not valid python")
	ErrMissingEntryPoint   = errors.New("program does not define main(params)")
	ErrUnguardedEntryPoint = errors.New("main is not called under the __main__ guard")
)

var (
	// Top-level `def main(<one parameter>):`, annotations and a default
	// allowed, a second parameter not.
	defMainRe = regexp.MustCompile(`^def\s+main\s*\(\s*[A-Za-z_]\w*(?:\s*:[^,=)]+)?(?:\s*=[^,)]+)?\s*\)\s*(?:->[^:]+)?:`)

	// Top-level direct-execution guard, either quote style, either
	// operand order. Captures whatever follows the colon so a same-line
	// call still counts.
	guardRe = regexp.MustCompile(`^if\s+(?:__name__\s*==\s*(?:"__main__"|'__main__')|(?:"__main__"|'__main__')\s*==\s*__name__)\s*:\s*(.*)$`)

	// A call of the bare name main. Attribute access (obj.main) is a
	// different callable and does not count.
	callMainRe = regexp.MustCompile(`(?:^|[^.\w])main\s*\(`)
)

// Validator checks program files. The zero value uses python3 and a
// 10-second parse timeout.
type Validator struct {
	// Python is the interpreter binary used for the syntax check.
	Python string

	// Timeout bounds the syntax-check subprocess.
	Timeout time.Duration
}

// New returns a validator using the given interpreter.
func New(python string) *Validator {
	return &Validator{Python: python}
}

// Validate runs all three checks against the program at path.
// It is called once per execution, against a copy of the program.
func (v *Validator) Validate(ctx context.Context, path string) error {
	if err := v.checkSyntax(ctx, path); err != nil {
		return err
	}
	return checkStructure(path)
}

// checkSyntax asks the interpreter's parser whether the program is
// well-formed. ast.parse compiles nothing and imports nothing from the
// target, so untrusted code never runs.
func (v *Validator) checkSyntax(ctx context.Context, path string) error {
	python := v.Python
	if python == "" {
		python = "python3"
	}
	timeout := v.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, python, "-c",
		`import ast, sys; ast.parse(open(sys.argv[1], "rb").read(), sys.argv[1])`, path)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("syntax check timed out: %w", ctx.Err())
	}
	if _, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%w: %s", ErrInvalidProgram, lastLine(string(out)))
	}
	return fmt.Errorf("syntax checker unavailable: %w", err)
}

// checkStructure scans for the entry point and the guarded invocation.
func checkStructure(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open program: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read program: %w", err)
	}

	hasMain := false
	guarded := false

	for i, line := range lines {
		if defMainRe.MatchString(line) {
			hasMain = true
		}

		m := guardRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		// Same-line body: `if __name__ == "__main__": main({})`
		if callsMain(m[1]) {
			guarded = true
			continue
		}

		// Indented body, nested blocks included. The guard sits at top
		// level, so the body is every following line indented past
		// column 0, until the next top-level statement.
		for j := i + 1; j < len(lines); j++ {
			body := lines[j]
			trimmed := strings.TrimSpace(body)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			if !strings.HasPrefix(body, " ") && !strings.HasPrefix(body, "\t") {
				break
			}
			if callsMain(body) {
				guarded = true
				break
			}
		}
	}

	if !hasMain {
		return ErrMissingEntryPoint
	}
	if !guarded {
		return ErrUnguardedEntryPoint
	}
	return nil
}

// callsMain reports whether the line contains a call of the bare name main,
// ignoring comments and def/class statements (a nested `def main` is a
// definition, not a call).
func callsMain(line string) bool {
	if idx := strings.Index(line, "#"); idx >= 0 {
		line = line[:idx]
	}
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "def ") || strings.HasPrefix(trimmed, "class ") {
		return false
	}
	return callMainRe.MatchString(line)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	return strings.TrimSpace(s)
}
