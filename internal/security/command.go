package security

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/quorralabs/warden/internal/policy"
)

var (
	// ErrEmptyCommand indicates the caller passed nothing to classify.
	ErrEmptyCommand = errors.New("security: empty command")
)

const (
	maxCommandBytes = 4096
	maxArgs         = 64
)

// Classification is the outcome of command screening. A dangerous match
// always forces confirmation; the allowlist only lifts confirmation when
// auto-approve is enabled in policy.
type Classification struct {
	RequiresConfirmation bool
	MatchedDangerous     string
	MatchedAllowlist     string
	Reason               string
}

// Classify screens a raw command string against the policy snapshot. The
// raw string is matched as-is; tokenization is only used to verify the
// command parses and to bound argument counts, never to re-interpret it.
func Classify(command string, pol *policy.Snapshot) (Classification, error) {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Classification{}, ErrEmptyCommand
	}

	if len(cmd) > maxCommandBytes {
		return confirm(fmt.Sprintf("command too long (%d bytes)", len(cmd))), nil
	}
	if containsControl(cmd) {
		return confirm("control characters detected"), nil
	}

	args, err := splitCommand(cmd)
	if err != nil {
		return confirm(fmt.Sprintf("parse failed: %v", err)), nil
	}
	if len(args) == 0 {
		return Classification{}, ErrEmptyCommand
	}
	if len(args) > maxArgs {
		return confirm(fmt.Sprintf("too many arguments (%d)", len(args))), nil
	}

	lower := strings.ToLower(cmd)
	for _, pattern := range pol.DangerousPatterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return Classification{
				RequiresConfirmation: true,
				MatchedDangerous:     pattern,
				Reason:               fmt.Sprintf("matched dangerous pattern %q", pattern),
			}, nil
		}
	}

	matched := matchAllowlist(cmd, pol.AllowlistPrefixes)
	cls := Classification{MatchedAllowlist: matched}
	switch {
	case matched == "":
		cls.RequiresConfirmation = true
		cls.Reason = "command not on allowlist"
	case pol.AutoApproveCommands:
		cls.Reason = fmt.Sprintf("allowlisted by %q, auto-approve enabled", matched)
	default:
		cls.RequiresConfirmation = true
		cls.Reason = fmt.Sprintf("allowlisted by %q, confirmation still required", matched)
	}
	return cls, nil
}

// matchAllowlist matches prefixes from position 0 on token boundaries:
// "ls" matches "ls -la" and "ls" but not "alsace" or "xls".
func matchAllowlist(cmd string, prefixes []string) string {
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		if cmd == prefix {
			return prefix
		}
		if strings.HasPrefix(cmd, prefix) {
			rest := cmd[len(prefix):]
			if rest != "" && unicode.IsSpace(rune(rest[0])) {
				return prefix
			}
		}
	}
	return ""
}

func confirm(reason string) Classification {
	return Classification{RequiresConfirmation: true, Reason: reason}
}

// containsControl reports if the string contains control characters
// except tab and newline.
func containsControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// splitCommand tokenises a simple shell command with quote awareness.
func splitCommand(input string) ([]string, error) {
	var (
		args               []string
		current            strings.Builder
		inSingle, inDouble bool
		escape             bool
	)

	flush := func() {
		if current.Len() == 0 {
			return
		}
		args = append(args, current.String())
		current.Reset()
	}

	for _, r := range input {
		switch {
		case escape:
			current.WriteRune(r)
			escape = false
		case r == '\\':
			if inSingle {
				current.WriteRune(r)
				continue
			}
			escape = true
		case r == '\'':
			if inDouble {
				current.WriteRune(r)
				continue
			}
			inSingle = !inSingle
		case r == '"':
			if inSingle {
				current.WriteRune(r)
				continue
			}
			inDouble = !inDouble
		case unicode.IsSpace(r):
			if inSingle || inDouble {
				current.WriteRune(r)
			} else {
				flush()
			}
		default:
			current.WriteRune(r)
		}
	}

	if escape {
		return nil, fmt.Errorf("unfinished escape sequence")
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return args, nil
}
