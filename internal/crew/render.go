package crew

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TemplateError reports a task description that cannot be rendered.
type TemplateError struct {
	Task   string
	Offset int
	Reason string
}

func (e *TemplateError) Error() string {
	if e.Task == "" {
		return fmt.Sprintf("template: offset %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("template %s: offset %d: %s", e.Task, e.Offset, e.Reason)
}

// Render substitutes {name} placeholders from vars. "{{" and "}}" produce
// literal braces. Unknown placeholders and unbalanced braces are errors so a
// typo in a prompt document never reaches the model silently.
//
// A placeholder may carry a conversion and a format spec, {name!conv:spec}.
// Conversions are !s (the value), !r (a single-quoted repr) and !a (repr with
// non-ASCII escaped). The spec is [[fill]align][0][width][.precision][type]
// with align one of < > ^ and type s or d. Values that parse as integers are
// right-aligned by default and accept type d; everything else is left-aligned
// text. Attribute or index lookups ({a.b}, {a[0]}), nested placeholders
// inside a spec and sign or grouping options are rejected.
func Render(tmpl string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", &TemplateError{Offset: i, Reason: "unclosed '{'"}
			}
			field := tmpl[i+1 : i+1+end]
			if field == "" || strings.ContainsAny(field, "{\n") {
				return "", &TemplateError{Offset: i, Reason: fmt.Sprintf("invalid placeholder %q", "{"+field+"}")}
			}
			name, conv, spec := splitField(field)
			v, ok := vars[name]
			if !ok {
				return "", &TemplateError{Offset: i, Reason: fmt.Sprintf("unknown placeholder {%s}", name)}
			}
			out, err := formatField(v, conv, spec)
			if err != nil {
				return "", &TemplateError{Offset: i, Reason: fmt.Sprintf("placeholder {%s}: %v", field, err)}
			}
			b.WriteString(out)
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", &TemplateError{Offset: i, Reason: "single '}' encountered"}
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// splitField splits "name!conv:spec". conv is "" when absent and "!" alone
// when the field ends in a bare '!'.
func splitField(field string) (name, conv, spec string) {
	name = field
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name, spec = name[:i], name[i+1:]
	}
	if i := strings.IndexByte(name, '!'); i >= 0 {
		name, conv = name[:i], name[i:]
	}
	return name, conv, spec
}

func formatField(v, conv, spec string) (string, error) {
	numeric := false
	switch conv {
	case "":
		_, err := strconv.Atoi(v)
		numeric = err == nil
	case "!s":
	case "!r":
		v = repr(v, false)
	case "!a":
		v = repr(v, true)
	default:
		return "", fmt.Errorf("unknown conversion %q", conv)
	}
	if spec == "" {
		return v, nil
	}
	return applySpec(v, spec, numeric)
}

type formatSpec struct {
	fill      rune
	align     byte
	zero      bool
	width     int
	precision int
	verb      byte
}

func parseSpec(spec string) (formatSpec, error) {
	fs := formatSpec{fill: ' ', precision: -1}
	rest := spec
	isAlign := func(c byte) bool { return c == '<' || c == '>' || c == '^' || c == '=' }
	if r, size := utf8.DecodeRuneInString(rest); size > 0 && size < len(rest) && isAlign(rest[size]) {
		fs.fill, fs.align = r, rest[size]
		rest = rest[size+1:]
	} else if rest != "" && isAlign(rest[0]) {
		fs.align = rest[0]
		rest = rest[1:]
	}
	if fs.align == '=' {
		return fs, fmt.Errorf("'=' alignment is not supported")
	}
	if rest != "" && strings.ContainsRune("+- ,_#", rune(rest[0])) {
		return fs, fmt.Errorf("option %q is not supported", rest[0])
	}
	if strings.HasPrefix(rest, "0") {
		fs.zero = true
		rest = rest[1:]
	}
	n := digits(rest)
	if n > 0 {
		fs.width, _ = strconv.Atoi(rest[:n])
		rest = rest[n:]
	}
	if strings.HasPrefix(rest, ".") {
		n := digits(rest[1:])
		if n == 0 {
			return fs, fmt.Errorf("format spec %q: missing precision", spec)
		}
		fs.precision, _ = strconv.Atoi(rest[1 : 1+n])
		rest = rest[1+n:]
	}
	switch rest {
	case "":
	case "s", "d":
		fs.verb = rest[0]
	default:
		return fs, fmt.Errorf("invalid format spec %q", spec)
	}
	return fs, nil
}

func applySpec(v, spec string, numeric bool) (string, error) {
	fs, err := parseSpec(spec)
	if err != nil {
		return "", err
	}
	switch fs.verb {
	case 'd':
		if !numeric {
			return "", fmt.Errorf("type 'd' needs an integer value, got %q", v)
		}
		if fs.precision >= 0 {
			return "", fmt.Errorf("precision is not allowed with type 'd'")
		}
	case 's':
		numeric = false
	}
	if numeric && fs.precision >= 0 {
		return "", fmt.Errorf("precision is not allowed for integer values")
	}
	if !numeric && fs.precision >= 0 && utf8.RuneCountInString(v) > fs.precision {
		v = string([]rune(v)[:fs.precision])
	}

	pad := fs.width - utf8.RuneCountInString(v)
	if pad <= 0 {
		return v, nil
	}
	if numeric && fs.zero && fs.align == 0 {
		sign := ""
		if strings.HasPrefix(v, "-") || strings.HasPrefix(v, "+") {
			sign, v = v[:1], v[1:]
		}
		return sign + strings.Repeat("0", pad) + v, nil
	}
	fill := string(fs.fill)
	if fs.zero && fs.align == 0 {
		fill = "0"
	}
	align := fs.align
	if align == 0 {
		align = '<'
		if numeric {
			align = '>'
		}
	}
	switch align {
	case '>':
		return strings.Repeat(fill, pad) + v, nil
	case '^':
		left := pad / 2
		return strings.Repeat(fill, left) + v + strings.Repeat(fill, pad-left), nil
	default:
		return v + strings.Repeat(fill, pad), nil
	}
}

func digits(s string) int {
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	return n
}

// repr quotes s the way a Python string literal is printed: single quotes
// unless s holds a single quote and no double quote.
func repr(s string, ascii bool) string {
	quote := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}
	var b strings.Builder
	b.WriteByte(quote)
	for _, r := range s {
		switch {
		case r == rune(quote) || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		case r < 0x80:
			b.WriteRune(r)
		case ascii || !unicode.IsPrint(r):
			switch {
			case r <= 0xff:
				fmt.Fprintf(&b, `\x%02x`, r)
			case r <= 0xffff:
				fmt.Fprintf(&b, `\u%04x`, r)
			default:
				fmt.Fprintf(&b, `\U%08x`, r)
			}
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(quote)
	return b.String()
}
