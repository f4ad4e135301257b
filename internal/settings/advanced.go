package settings

import (
	"strconv"
	"strings"
)

// ParseAdvanced reads newline separated "key: value" pairs. Numeric values become int, or
// float64 when they contain a decimal point. Lines that do not hold exactly one colon are ignored.
func ParseAdvanced(block string) map[string]any {
	out := map[string]any{}
	for _, line := range strings.Split(block, "\n") {
		if strings.Count(line, ":") != 1 {
			continue
		}
		name, value, _ := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out[name] = coerce(strings.TrimSpace(value))
	}
	return out
}

func coerce(v string) any {
	if v == "" {
		return v
	}
	if strings.Contains(v, ".") {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		return v
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return int(n)
	}
	// exponent forms such as 1e3 are numeric but carry no decimal point
	if strings.ContainsAny(v, "eE") {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return int(f)
		}
	}
	return v
}
