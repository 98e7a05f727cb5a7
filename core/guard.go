package core

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/shlex"
)

var (
	// ErrPermissionDenied indicates the script lacks the permission for a command.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRateLimited indicates the script exceeded its command rate.
	ErrRateLimited = errors.New("rate limited")
	// ErrCommandDenied indicates a RunCommand matched the denylist.
	ErrCommandDenied = errors.New("command denied")
	// ErrEmptyCommand indicates a RunCommand with nothing to run.
	ErrEmptyCommand = errors.New("empty command")
	// ErrConfigKeyNotAllowed indicates a ChangeConfig key outside the allowlist.
	ErrConfigKeyNotAllowed = errors.New("config key not allowed")
	// ErrConfigValueType indicates a ChangeConfig value of the wrong type.
	ErrConfigValueType = errors.New("invalid config value")
)

// DefaultCommandDenylist lists command patterns RunCommand never executes.
var DefaultCommandDenylist = []string{
	"rm -rf /",
	"rm -rf /*",
	"rm -rf ~",
	"rm -fr /",
	"rm -fr ~",
	"mkfs",
	"dd if=",
	"chmod 777",
	"chmod -r 777",
	"eval",
	"exec",
	"|sh",
	"|bash",
	"|zsh",
	"|fish",
	":(){",
}

var shellWrappers = map[string]struct{}{
	"sh": {}, "bash": {}, "zsh": {}, "fish": {}, "dash": {}, "ksh": {},
}

// SanitizeText strips VT/ANSI escape sequences before PTY injection.
func SanitizeText(text string) string {
	return ansi.Strip(text)
}

// TokenizeCommand splits a command line without a shell. Double and single
// quoted spans stay together.
func TokenizeCommand(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("tokenize command: %w", err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}

// CheckDenylist returns the first pattern that matches argv. Matching is
// case-insensitive on the whitespace-normalized command line. Leading env
// wrappers are skipped and shell -c wrappers are always denied.
func CheckDenylist(argv []string, patterns []string) (string, bool) {
	argv = stripEnvWrapper(argv)
	if len(argv) == 0 {
		return "", false
	}
	program := strings.ToLower(filepath.Base(argv[0]))
	if _, ok := shellWrappers[program]; ok && hasCommandFlag(argv[1:]) {
		return program + " -c", true
	}
	parts := make([]string, 0, len(argv))
	parts = append(parts, filepath.Base(argv[0]))
	parts = append(parts, argv[1:]...)
	line := normalizeCommandLine(strings.Join(parts, " "))
	for _, pattern := range patterns {
		normalized := normalizeCommandLine(pattern)
		if normalized == "" {
			continue
		}
		if containsPattern(line, normalized) {
			return pattern, true
		}
	}
	return "", false
}

func stripEnvWrapper(argv []string) []string {
	for len(argv) > 0 && strings.EqualFold(filepath.Base(argv[0]), "env") {
		argv = argv[1:]
		for len(argv) > 0 && (strings.HasPrefix(argv[0], "-") || strings.Contains(argv[0], "=")) {
			argv = argv[1:]
		}
	}
	return argv
}

func hasCommandFlag(args []string) bool {
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && strings.ContainsRune(arg, 'c') {
			return true
		}
	}
	return false
}

func normalizeCommandLine(value string) string {
	value = strings.ToLower(strings.Join(strings.Fields(value), " "))
	value = strings.ReplaceAll(value, " |", "|")
	value = strings.ReplaceAll(value, "| ", "|")
	return value
}

// containsPattern matches pattern at word boundaries wherever the pattern
// edge is a word character.
func containsPattern(line, pattern string) bool {
	offset := 0
	for {
		idx := strings.Index(line[offset:], pattern)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(pattern)
		leftOK := !isWordByte(pattern[0]) || start == 0 || !isWordByte(line[start-1])
		rightOK := !isWordEdge(pattern[len(pattern)-1]) || end == len(line) || !isWordByte(line[end])
		if leftOK && rightOK {
			return true
		}
		offset = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b == '-' || b == '/' || b == '~' || b == '*' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func isWordEdge(b byte) bool {
	return isWordByte(b) && b != '*'
}

// NormalizeConfigChange validates a ChangeConfig against the runtime
// allowlist and returns the value to apply.
func NormalizeConfigChange(key string, value any) (any, error) {
	switch key {
	case "font_size":
		n, ok := value.(float64)
		if !ok || math.IsNaN(n) {
			return nil, fmt.Errorf("%w: %s expects a number", ErrConfigValueType, key)
		}
		return math.Min(math.Max(n, 6), 72), nil
	case "window_opacity":
		n, ok := value.(float64)
		if !ok || math.IsNaN(n) {
			return nil, fmt.Errorf("%w: %s expects a number", ErrConfigValueType, key)
		}
		return math.Min(math.Max(n, 0), 1), nil
	case "scrollback_lines":
		n, ok := value.(float64)
		if !ok || n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
			return nil, fmt.Errorf("%w: %s expects a non-negative integer", ErrConfigValueType, key)
		}
		return int(n), nil
	case "cursor_blink", "notification_bell_desktop", "notification_bell_visual":
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a bool", ErrConfigValueType, key)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrConfigKeyNotAllowed, key)
	}
}
