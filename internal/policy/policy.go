// Package policy decides whether a raw command string from an agent may
// be executed. It is a pure decision function over a static allow/deny
// table: no state, deterministic, safe for concurrent use. It is a policy
// layer, not an OS-level security boundary.
package policy

import (
	"fmt"
	"log"
	"strings"
)

// Decision is the outcome of evaluating one command. When Allowed is
// true, Command holds the sanitized (whitespace-normalized) command to
// run. When false, Reason explains the denial in terms the agent can
// reason about.
type Decision struct {
	Allowed bool
	Command string
	Reason  string
}

// Evaluate decides whether the given command may run. Decisions are
// produced fresh on every call and never cached.
func Evaluate(command string) Decision {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return deny(command, "empty command")
	}

	for _, op := range shellOperators {
		if strings.Contains(command, op) {
			return deny(command, fmt.Sprintf("command contains disallowed operator %q", op))
		}
	}

	base := strings.ToLower(fields[0])

	if denyList[base] {
		return deny(command, fmt.Sprintf("command %q is blocked", base))
	}

	allowed, ok := allowList[base]
	if !ok {
		return deny(command, fmt.Sprintf("command %q is not in the allowed command list", base))
	}

	// The base is matched case-insensitively; fold it in the sanitized
	// command too so "NPM run test" execs the real binary.
	fields[0] = base
	sanitized := strings.Join(fields, " ")

	if len(allowed) == 1 && allowed[0] == Wildcard {
		return allow(sanitized)
	}

	// Base-only invocation (e.g. "git" or "npm" alone) is allowed even
	// for commands with a restricted subcommand set: version probes and
	// help output are harmless. Flags never count as subcommands.
	sub := ""
	for _, tok := range fields[1:] {
		if strings.HasPrefix(tok, "-") {
			continue
		}
		sub = tok
		break
	}
	if sub == "" {
		return allow(sanitized)
	}

	for _, s := range allowed {
		if strings.EqualFold(sub, s) {
			return allow(sanitized)
		}
	}

	return deny(command, fmt.Sprintf("%s subcommand %q is not allowed (allowed: %s)",
		base, sub, strings.Join(allowed, ", ")))
}

// IsAllowed is a convenience wrapper for callers that only need the verdict.
func IsAllowed(command string) bool {
	return Evaluate(command).Allowed
}

func allow(sanitized string) Decision {
	log.Printf("[policy] allowed: %s", sanitized)
	return Decision{Allowed: true, Command: sanitized}
}

func deny(command, reason string) Decision {
	log.Printf("[policy] denied %q: %s", command, reason)
	return Decision{Allowed: false, Reason: reason}
}
