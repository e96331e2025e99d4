package policy

// shellOperators are rejected outright wherever they appear in a command.
// The tokenizer does not understand shell grammar, so any metacharacter is
// treated as an injection vector rather than parsed. Multi-character
// operators come first so the denial names the longest match.
var shellOperators = []string{
	">>",
	">",
	"<",
	"|",
	"&",
	";",
	"`",
	"$(",
	"${",
	"\n",
	"\r",
}

// Wildcard marks an allow-list entry whose subcommands are unrestricted.
const Wildcard = "*"

// denyList blocks base commands regardless of the allow-list: network
// tools, destructive filesystem ops, shell interpreters, privilege
// escalation, container/orchestration tools, process control and
// environment mutation.
var denyList = map[string]bool{
	// network
	"curl":   true,
	"wget":   true,
	"nc":     true,
	"netcat": true,
	"telnet": true,
	"ssh":    true,
	"scp":    true,
	"sftp":   true,
	"ftp":    true,
	// destructive filesystem
	"rm":    true,
	"rmdir": true,
	"dd":    true,
	"mkfs":  true,
	"shred": true,
	// shell interpreters
	"sh":   true,
	"bash": true,
	"zsh":  true,
	"fish": true,
	"dash": true,
	"ksh":  true,
	"csh":  true,
	"eval": true,
	"exec": true,
	// privilege escalation
	"sudo": true,
	"su":   true,
	"doas": true,
	// containers / orchestration
	"docker":         true,
	"docker-compose": true,
	"podman":         true,
	"kubectl":        true,
	"helm":           true,
	// process control
	"kill":      true,
	"killall":   true,
	"pkill":     true,
	"reboot":    true,
	"shutdown":  true,
	"systemctl": true,
	"service":   true,
	// environment mutation
	"export": true,
	"unset":  true,
	"env":    true,
	"set":    true,
	"source": true,
	"chmod":  true,
	"chown":  true,
}

// allowList maps base commands to their permitted subcommands. An entry
// of []string{Wildcard} allows any arguments. A command with a non-empty
// subcommand set may still be invoked with no subcommand at all
// (base-only invocation, e.g. version probes).
var allowList = map[string][]string{
	// read-only inspection
	"ls":    {Wildcard},
	"cat":   {Wildcard},
	"head":  {Wildcard},
	"tail":  {Wildcard},
	"grep":  {Wildcard},
	"find":  {Wildcard},
	"wc":    {Wildcard},
	"diff":  {Wildcard},
	"sort":  {Wildcard},
	"uniq":  {Wildcard},
	"echo":  {Wildcard},
	"pwd":   {Wildcard},
	"which": {Wildcard},
	"file":  {Wildcard},
	"tree":  {Wildcard},

	// workspace mutation stays inside the sandbox working directory
	"mkdir": {Wildcard},
	"touch": {Wildcard},
	"cp":    {Wildcard},
	"mv":    {Wildcard},

	// toolchains
	"git": {
		"status", "log", "diff", "show", "add", "commit", "checkout",
		"switch", "branch", "push", "pull", "fetch", "merge", "stash",
		"rev-parse", "restore",
	},
	"npm": {
		"install", "ci", "run", "test", "start", "build",
		"ls", "list", "view", "outdated", "audit", "version",
	},
	"yarn":    {"install", "run", "test", "build", "add", "list"},
	"pnpm":    {"install", "run", "test", "build", "add", "list"},
	"npx":     {"tsc", "jest", "vitest", "eslint", "prettier"},
	"node":    {Wildcard},
	"tsc":     {Wildcard},
	"jest":    {Wildcard},
	"vitest":  {Wildcard},
	"go":      {"build", "test", "run", "vet", "fmt", "mod", "env", "list", "version"},
	"cargo":   {"build", "test", "run", "check", "fmt", "clippy"},
	"python":  {Wildcard},
	"python3": {Wildcard},
	"pytest":  {Wildcard},
	"make":    {Wildcard},
}
