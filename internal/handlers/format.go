package handlers

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/seantiz/packtivity/internal/model"
)

// Format substitutes replacement fields in tmpl. A field is {name} looked up
// in kwargs, {N} indexing args, or {} taking the next positional argument.
// {{ and }} are literal braces. Lists render as their items joined by spaces.
func Format(tmpl string, args []any, kwargs map[string]any) (string, error) {
	var b strings.Builder
	next := 0
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
				return "", formatError(tmpl, "unmatched '{'")
			}
			field := tmpl[i+1 : i+1+end]
			i += end + 1

			v, err := lookupField(tmpl, field, args, kwargs, &next)
			if err != nil {
				return "", err
			}
			b.WriteString(render(v))
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", formatError(tmpl, "single '}'")
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func lookupField(tmpl, field string, args []any, kwargs map[string]any, next *int) (any, error) {
	if strings.ContainsAny(field, "!:[.") {
		return nil, formatError(tmpl, fmt.Sprintf("unsupported field %q", field))
	}
	if field == "" {
		idx := *next
		*next++
		if idx >= len(args) {
			return nil, formatError(tmpl, fmt.Sprintf("positional field %d out of range", idx))
		}
		return args[idx], nil
	}
	if idx, err := strconv.Atoi(field); err == nil {
		if idx < 0 || idx >= len(args) {
			return nil, formatError(tmpl, fmt.Sprintf("positional field %d out of range", idx))
		}
		return args[idx], nil
	}
	v, ok := kwargs[field]
	if !ok {
		return nil, formatError(tmpl, fmt.Sprintf("no value for {%s}", field))
	}
	return v, nil
}

func formatError(tmpl, reason string) error {
	return &model.TemplateError{Reason: fmt.Sprintf("format %q: %s", tmpl, reason)}
}

func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = render(item)
		}
		return strings.Join(parts, " ")
	case []string:
		return strings.Join(t, " ")
	case fmt.Stringer:
		return t.String()
	case map[string]any:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	default:
		return fmt.Sprint(t)
	}
}

// formatArgs splits typed parameters into positional or keyword arguments:
// a list is positional, a mapping is keyword, and any other value is bound
// to {value}.
func formatArgs(typed any) ([]any, map[string]any) {
	switch t := typed.(type) {
	case map[string]any:
		return nil, t
	case []any:
		return t, nil
	default:
		return nil, map[string]any{"value": t}
	}
}
