package backend

import "strings"

// Quote wraps s in single quotes for a POSIX shell, closing and reopening
// the quote around every embedded single quote. Nothing inside the result
// is interpreted by the shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll quotes each argument and joins them with spaces.
func QuoteAll(args []string) string {
	q := make([]string, len(args))
	for i, a := range args {
		q[i] = Quote(a)
	}
	return strings.Join(q, " ")
}
