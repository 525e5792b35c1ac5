package keygen

import "strings"

// Remote authorized_keys path, relative to the login user's home.
const authorizedKeys = "$HOME/.ssh/authorized_keys"

// AppendCommand returns a shell command that idempotently appends a public
// key line to the remote authorized_keys file. Presence is detected by exact
// line match (grep -xF), never by fingerprint, so two keys differing only in
// comment are treated as distinct lines.
func AppendCommand(line string) string {
	q := shellQuote(line)
	return "mkdir -p \"$HOME/.ssh\" && chmod 700 \"$HOME/.ssh\" && " +
		"touch " + quotedPath() + " && chmod 600 " + quotedPath() + " && " +
		"{ grep -qxF " + q + " " + quotedPath() + " || printf '%s\\n' " + q + " >> " + quotedPath() + "; }"
}

// RemoveCommand returns a shell command that removes every exact occurrence
// of a public key line from the remote authorized_keys file. It is a no-op
// when the file is missing or the line is already gone, which makes both
// retirement and rollback idempotent.
func RemoveCommand(line string) string {
	q := shellQuote(line)
	return "if [ -f " + quotedPath() + " ]; then " +
		"grep -vxF " + q + " " + quotedPath() + " > " + quotedPath() + ".tmp; " +
		"mv " + quotedPath() + ".tmp " + quotedPath() + "; " +
		"chmod 600 " + quotedPath() + "; fi"
}

// VerifyCommand is the trivial command run over a new-key-authenticated
// connection: reaching command execution at all proves the key works.
func VerifyCommand() string {
	return "true"
}

func quotedPath() string {
	return "\"" + authorizedKeys + "\""
}

// shellQuote single-quotes s for safe interpolation into a shell command,
// escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
