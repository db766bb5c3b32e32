package systemd

import (
	"fmt"
	"strings"
)

// joinExec renders argv as an ExecStart= value. Arguments are double-quoted
// when needed with C-style escapes, and '%' and '$' are doubled so systemd
// does not expand specifiers or variables.
func joinExec(argv []string) string {
	q := make([]string, len(argv))
	for i, a := range argv {
		q[i] = quoteExecArg(a, false)
	}
	return strings.Join(q, " ")
}

func quoteExecArg(s string, force bool) string {
	needs := force || s == "" || strings.ContainsAny(s, " \t\n\r\"'\\;")
	if needs {
		var b strings.Builder
		b.WriteByte('"')
		for _, r := range s {
			switch r {
			case '\\':
				b.WriteString(`\\`)
			case '"':
				b.WriteString(`\"`)
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			default:
				b.WriteRune(r)
			}
		}
		b.WriteByte('"')
		s = b.String()
	}
	s = strings.ReplaceAll(s, "%", "%%")
	return strings.ReplaceAll(s, "$", "$$")
}

// splitExec is the inverse of joinExec. It also accepts single quotes and
// strips the ExecStart prefix characters ("-", "@", "+", "!", ":").
func splitExec(line string) ([]string, error) {
	var (
		args  []string
		cur   strings.Builder
		inArg bool
		quote rune
	)
	rs := []rune(strings.TrimSpace(line))
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case quote != 0 && r == quote:
			quote = 0
		case quote != 0 && r == '\\' && i+1 < len(rs):
			i++
			switch rs[i] {
			case 'n':
				cur.WriteByte('\n')
			case 'r':
				cur.WriteByte('\r')
			case 't':
				cur.WriteByte('\t')
			default:
				cur.WriteRune(rs[i])
			}
		case quote != 0:
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		case r == '\\' && i+1 < len(rs):
			i++
			cur.WriteRune(rs[i])
			inArg = true
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", line)
	}
	if inArg {
		args = append(args, cur.String())
	}
	for i, a := range args {
		a = strings.ReplaceAll(a, "%%", "%")
		args[i] = strings.ReplaceAll(a, "$$", "$")
	}
	if len(args) > 0 {
		args[0] = strings.TrimLeft(args[0], "-@+!:")
	}
	return args, nil
}
