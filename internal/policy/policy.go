// Package policy holds the security configuration consulted by the
// mediator. A Snapshot is immutable for the duration of a turn; the CLI
// builds a fresh one between turns so reloads never race a mediation.
package policy

import (
	"path/filepath"
	"strings"

	"github.com/quorralabs/warden/internal/config"
)

// DefaultAllowlist is the set of command prefixes considered routine
// enough to skip per-call scrutiny. Allowlisting narrows scrutiny, not
// authorization: confirmation is still required unless auto-approve is on.
var DefaultAllowlist = []string{
	"ls",
	"cat",
	"pwd",
	"echo",
	"grep",
	"head",
	"tail",
	"wc",
	"find",
	"git status",
	"git diff",
	"git log",
	"go build",
	"go test",
	"go vet",
}

// DefaultDangerous lists substrings that always force confirmation. A
// match here can never be downgraded by the allowlist or auto-approve.
var DefaultDangerous = []string{
	"rm -rf",
	"rm -fr",
	"rm -r",
	"rm --recursive",
	"rm /",
	"rm *",
	"rmdir -p",
	"--no-preserve-root",
	"--preserve-root=false",
	"sudo",
	"dd if=",
	"mkfs",
	"fdisk",
	"parted",
	"shutdown",
	"reboot",
	"halt",
	"poweroff",
	"chmod -R 777",
	"chown -R",
	"curl | sh",
	"curl | bash",
	"wget | sh",
	"> /dev/",
	":(){",
}

// Snapshot is the per-turn security configuration. Fields are never
// mutated after construction.
type Snapshot struct {
	AllowlistPrefixes   []string
	DangerousPatterns   []string
	WorkspaceRoot       string
	AutoApproveEdits    bool
	AutoApproveCommands bool
}

// NewSnapshot builds a snapshot from loaded config, filling empty rule
// lists with the defaults and normalizing the workspace root.
func NewSnapshot(sec config.SecurityConfig, workspaceRoot string) *Snapshot {
	allow := compactRules(sec.AllowlistPrefixes)
	if len(allow) == 0 {
		allow = append([]string(nil), DefaultAllowlist...)
	}
	dangerous := compactRules(sec.DangerousPatterns)
	if len(dangerous) == 0 {
		dangerous = append([]string(nil), DefaultDangerous...)
	}

	root := strings.TrimSpace(workspaceRoot)
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	return &Snapshot{
		AllowlistPrefixes:   allow,
		DangerousPatterns:   dangerous,
		WorkspaceRoot:       filepath.Clean(root),
		AutoApproveEdits:    sec.AutoApproveEdits,
		AutoApproveCommands: sec.AutoApproveCommands,
	}
}

func compactRules(rules []string) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
