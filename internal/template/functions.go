package template

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"encoding/json"
	"html"
)

type funcSpec struct {
	minArgs int
	maxArgs int // -1 = unbounded
	execute func(value any, args []any, ev *evalContext) (any, error)
}

func callFunction(name string, receiver any, args []any, ev *evalContext) (any, error) {
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, fmt.Errorf("function %q called with wrong number of arguments", name)
	}
	return fn.execute(receiver, args, ev)
}

func argString(args []any, i int, def string) string {
	if i >= len(args) || args[i] == nil {
		return def
	}
	return stringify(args[i])
}

func argFloat(args []any, i int, def float64) float64 {
	if i >= len(args) {
		return def
	}
	f, ok := toFloat(args[i])
	if !ok {
		return def
	}
	return f
}

func asSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case nil:
		return nil
	default:
		return []any{v}
	}
}

var registry map[string]funcSpec

func init() {
	registry = map[string]funcSpec{
		// ---- String ----
		"toUpperCase": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			return strings.ToUpper(stringify(v)), nil
		}},
		"toLowerCase": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			return strings.ToLower(stringify(v)), nil
		}},
		"capitalize": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			s := stringify(v)
			if s == "" {
				return s, nil
			}
			return strings.ToUpper(s[:1]) + s[1:], nil
		}},
		"truncate": {1, 2, func(v any, a []any, e *evalContext) (any, error) {
			s := stringify(v)
			max := int(argFloat(a, 0, float64(len(s))))
			suffix := argString(a, 1, "...")
			if len(s) <= max {
				return s, nil
			}
			if max < 0 {
				max = 0
			}
			return s[:max] + suffix, nil
		}},
		"replace": {2, 2, func(v any, a []any, e *evalContext) (any, error) {
			return strings.ReplaceAll(stringify(v), argString(a, 0, ""), argString(a, 1, "")), nil
		}},
		"match": {1, 1, func(v any, a []any, e *evalContext) (any, error) {
			re, err := regexp.Compile(argString(a, 0, ""))
			if err != nil {
				return nil, fmt.Errorf("invalid regex: %w", err)
			}
			return re.MatchString(stringify(v)), nil
		}},
		"substring": {1, 2, func(v any, a []any, e *evalContext) (any, error) {
			s := stringify(v)
			start := int(argFloat(a, 0, 0))
			end := len(s)
			if len(a) > 1 {
				end = int(argFloat(a, 1, float64(len(s))))
			}
			if start < 0 {
				start = 0
			}
			if end > len(s) {
				end = len(s)
			}
			if start > end {
				return "", nil
			}
			return s[start:end], nil
		}},
		"trim": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			return strings.TrimSpace(stringify(v)), nil
		}},
		"length": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			if s, ok := v.([]any); ok {
				return float64(len(s)), nil
			}
			return float64(len([]rune(stringify(v)))), nil
		}},
		"split": {1, 1, func(v any, a []any, e *evalContext) (any, error) {
			parts := strings.Split(stringify(v), argString(a, 0, ""))
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			return out, nil
		}},
		"concat": {1, 1, func(v any, a []any, e *evalContext) (any, error) {
			return stringify(v) + argString(a, 0, ""), nil
		}},
		"padStart": {1, 2, func(v any, a []any, e *evalContext) (any, error) {
			s := stringify(v)
			n := int(argFloat(a, 0, 0))
			ch := argString(a, 1, " ")
			for len([]rune(s)) < n {
				s = ch + s
			}
			return s, nil
		}},
		"padEnd": {1, 2, func(v any, a []any, e *evalContext) (any, error) {
			s := stringify(v)
			n := int(argFloat(a, 0, 0))
			ch := argString(a, 1, " ")
			for len([]rune(s)) < n {
				s = s + ch
			}
			return s, nil
		}},
		"isEmpty": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			return isTruthyEmpty(v), nil
		}},
		"isNotEmpty": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			return !isTruthyEmpty(v), nil
		}},
		"htmlEncode": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			return html.EscapeString(stringify(v)), nil
		}},
		"urlEncode": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			return url.QueryEscape(stringify(v)), nil
		}},
		"jsonStringify": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			return string(b), nil
		}},

		// ---- Number ----
		"toNumber": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			f, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("cannot convert %v to a number", v)
			}
			return f, nil
		}},
		"abs": {0, 0, numFn(func(f float64) float64 { return abs(f) })},
		"round": {0, 1, func(v any, a []any, e *evalContext) (any, error) {
			f, _ := toFloat(v)
			n := int(argFloat(a, 0, 0))
			mult := pow10(n)
			return roundHalfUp(f*mult) / mult, nil
		}},
		"ceil": {0, 0, numFn(func(f float64) float64 { return float64(int(f) + boolToInt(f > float64(int(f)))) })},
		"floor": {0, 0, numFn(func(f float64) float64 { return float64(int(f) - boolToInt(f < float64(int(f)))) })},
		"min": {1, 1, func(v any, a []any, e *evalContext) (any, error) {
			f, _ := toFloat(v)
			o, _ := toFloat(a[0])
			if o < f {
				return o, nil
			}
			return f, nil
		}},
		"max": {1, 1, func(v any, a []any, e *evalContext) (any, error) {
			f, _ := toFloat(v)
			o, _ := toFloat(a[0])
			if o > f {
				return o, nil
			}
			return f, nil
		}},
		"percentage": {1, 1, func(v any, a []any, e *evalContext) (any, error) {
			f, _ := toFloat(v)
			total, _ := toFloat(a[0])
			if total == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return f / total * 100, nil
		}},
		"isPositive": {0, 0, func(v any, a []any, e *evalContext) (any, error) { f, _ := toFloat(v); return f > 0, nil }},
		"isNegative": {0, 0, func(v any, a []any, e *evalContext) (any, error) { f, _ := toFloat(v); return f < 0, nil }},
		"isZero":     {0, 0, func(v any, a []any, e *evalContext) (any, error) { f, _ := toFloat(v); return f == 0, nil }},

		// ---- Date ----
		"now": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		}},
		"plusDays":    {1, 1, dateShift(24 * time.Hour)},
		"minusDays":   {1, 1, dateShift(-24 * time.Hour)},
		"plusHours":   {1, 1, dateShift(time.Hour)},
		"minusHours":  {1, 1, dateShift(-time.Hour)},
		"plusMinutes": {1, 1, dateShift(time.Minute)},
		"format": {1, 1, func(v any, a []any, e *evalContext) (any, error) {
			t, err := parseTime(stringify(v))
			if err != nil {
				return nil, err
			}
			return formatDate(t, argString(a, 0, "yyyy-MM-dd")), nil
		}},
		"isAfter": {1, 1, func(v any, a []any, e *evalContext) (any, error) {
			t, err := parseTime(stringify(v))
			if err != nil {
				return nil, err
			}
			o, err := parseTime(stringify(a[0]))
			if err != nil {
				return nil, err
			}
			return t.After(o), nil
		}},
		"isBefore": {1, 1, func(v any, a []any, e *evalContext) (any, error) {
			t, err := parseTime(stringify(v))
			if err != nil {
				return nil, err
			}
			o, err := parseTime(stringify(a[0]))
			if err != nil {
				return nil, err
			}
			return t.Before(o), nil
		}},
		"dayOfWeek": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			t, err := parseTime(stringify(v))
			if err != nil {
				return nil, err
			}
			return t.Weekday().String(), nil
		}},
		"startOfDay": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			t, err := parseTime(stringify(v))
			if err != nil {
				return nil, err
			}
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).Format(time.RFC3339), nil
		}},
		"endOfDay": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			t, err := parseTime(stringify(v))
			if err != nil {
				return nil, err
			}
			y, m, d := t.Date()
			return time.Date(y, m, d, 23, 59, 59, 0, t.Location()).Format(time.RFC3339), nil
		}},
		"toEpochMs": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			t, err := parseTime(stringify(v))
			if err != nil {
				return nil, err
			}
			return float64(t.UnixMilli()), nil
		}},
		"diffDays": {1, 1, func(v any, a []any, e *evalContext) (any, error) {
			t, err := parseTime(stringify(v))
			if err != nil {
				return nil, err
			}
			o, err := parseTime(stringify(a[0]))
			if err != nil {
				return nil, err
			}
			return t.Sub(o).Hours() / 24, nil
		}},

		// ---- Collection ----
		"size": {0, 0, func(v any, a []any, e *evalContext) (any, error) { return float64(len(asSlice(v))), nil }},
		"count": {0, 0, func(v any, a []any, e *evalContext) (any, error) { return float64(len(asSlice(v))), nil }},
		"first": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			s := asSlice(v)
			if len(s) == 0 {
				return nil, nil
			}
			return s[0], nil
		}},
		"last": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			s := asSlice(v)
			if len(s) == 0 {
				return nil, nil
			}
			return s[len(s)-1], nil
		}},
		"join": {0, 1, func(v any, a []any, e *evalContext) (any, error) {
			sep := argString(a, 0, ", ")
			var parts []string
			for _, item := range asSlice(v) {
				parts = append(parts, stringify(item))
			}
			return strings.Join(parts, sep), nil
		}},
		"contains": {1, 1, func(v any, a []any, e *evalContext) (any, error) {
			if s, ok := v.(string); ok {
				return strings.Contains(s, stringify(a[0])), nil
			}
			for _, item := range asSlice(v) {
				if looseEqual(item, a[0]) {
					return true, nil
				}
			}
			return false, nil
		}},
		"flatten": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			var out []any
			for _, item := range asSlice(v) {
				if nested, ok := item.([]any); ok {
					out = append(out, nested...)
				} else {
					out = append(out, item)
				}
			}
			return out, nil
		}},
		"unique": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			seen := make(map[string]bool)
			var out []any
			for _, item := range asSlice(v) {
				key := stringify(item)
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, item)
			}
			return out, nil
		}},
		"sort": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			s := append([]any{}, asSlice(v)...)
			sort.Slice(s, func(i, j int) bool {
				if fi, iok := toFloat(s[i]); iok {
					if fj, jok := toFloat(s[j]); jok {
						return fi < fj
					}
				}
				return stringify(s[i]) < stringify(s[j])
			})
			return s, nil
		}},
		"reverse": {0, 0, func(v any, a []any, e *evalContext) (any, error) {
			s := asSlice(v)
			out := make([]any, len(s))
			for i, item := range s {
				out[len(s)-1-i] = item
			}
			return out, nil
		}},
		"at": {1, 1, func(v any, a []any, e *evalContext) (any, error) {
			s := asSlice(v)
			i := int(argFloat(a, 0, 0))
			if i < 0 || i >= len(s) {
				return nil, nil
			}
			return s[i], nil
		}},
		"slice": {1, 2, func(v any, a []any, e *evalContext) (any, error) {
			s := asSlice(v)
			start := int(argFloat(a, 0, 0))
			end := len(s)
			if len(a) > 1 {
				end = int(argFloat(a, 1, float64(len(s))))
			}
			if start < 0 {
				start = 0
			}
			if end > len(s) {
				end = len(s)
			}
			if start > end {
				return []any{}, nil
			}
			return s[start:end], nil
		}},
		"map": {1, 1, func(v any, a []any, e *evalContext) (any, error) {
			path := argString(a, 0, "")
			var out []any
			for _, item := range asSlice(v) {
				out = append(out, navigatePath(item, path))
			}
			return out, nil
		}},
		"filter": {1, 2, func(v any, a []any, e *evalContext) (any, error) {
			path := argString(a, 0, "")
			var out []any
			for _, item := range asSlice(v) {
				val := navigatePath(item, path)
				if len(a) > 1 {
					if looseEqual(val, a[1]) {
						out = append(out, item)
					}
				} else if !isTruthyEmpty(val) {
					out = append(out, item)
				}
			}
			return out, nil
		}},
		"sum": {0, 1, func(v any, a []any, e *evalContext) (any, error) {
			path := argString(a, 0, "")
			var total float64
			for _, item := range asSlice(v) {
				val := item
				if path != "" {
					val = navigatePath(item, path)
				}
				f, _ := toFloat(val)
				total += f
			}
			return total, nil
		}},
		"avg": {0, 1, func(v any, a []any, e *evalContext) (any, error) {
			path := argString(a, 0, "")
			s := asSlice(v)
			if len(s) == 0 {
				return 0.0, nil
			}
			var total float64
			for _, item := range s {
				val := item
				if path != "" {
					val = navigatePath(item, path)
				}
				f, _ := toFloat(val)
				total += f
			}
			return total / float64(len(s)), nil
		}},
	}
}

func numFn(f func(float64) float64) func(v any, a []any, e *evalContext) (any, error) {
	return func(v any, a []any, e *evalContext) (any, error) {
		n, _ := toFloat(v)
		return f(n), nil
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func pow10(n int) float64 {
	f := 1.0
	for i := 0; i < n; i++ {
		f *= 10
	}
	for i := 0; i > n; i-- {
		f /= 10
	}
	return f
}

func roundHalfUp(f float64) float64 {
	if f >= 0 {
		return float64(int(f + 0.5))
	}
	return float64(int(f - 0.5))
}

func dateShift(d time.Duration) func(v any, a []any, e *evalContext) (any, error) {
	return func(v any, a []any, e *evalContext) (any, error) {
		t, err := parseTime(stringify(v))
		if err != nil {
			return nil, err
		}
		n := argFloat(a, 0, 0)
		return t.Add(time.Duration(n) * d).Format(time.RFC3339), nil
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date string")
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// dateTokenOrder applies the longest-match-first rule over the date
// pattern tokens, so e.g. "yyyy" is matched before "yy".
var dateTokenOrder = []string{
	"yyyy", "EEEE", "EEE", "SSS", "HH", "mm", "ss", "MM", "dd", "yy",
	"M", "d", "H", "m", "s", "E",
}

func formatDate(t time.Time, pattern string) string {
	replacements := map[string]string{
		"yyyy": fmt.Sprintf("%04d", t.Year()),
		"yy":   fmt.Sprintf("%02d", t.Year()%100),
		"MM":   fmt.Sprintf("%02d", int(t.Month())),
		"M":    strconv.Itoa(int(t.Month())),
		"dd":   fmt.Sprintf("%02d", t.Day()),
		"d":    strconv.Itoa(t.Day()),
		"HH":   fmt.Sprintf("%02d", t.Hour()),
		"H":    strconv.Itoa(t.Hour()),
		"mm":   fmt.Sprintf("%02d", t.Minute()),
		"m":    strconv.Itoa(t.Minute()),
		"ss":   fmt.Sprintf("%02d", t.Second()),
		"s":    strconv.Itoa(t.Second()),
		"SSS":  fmt.Sprintf("%03d", t.Nanosecond()/1e6),
		"EEEE": t.Weekday().String(),
		"EEE":  t.Weekday().String()[:3],
	}

	var b strings.Builder
	i := 0
	runes := []rune(pattern)
	for i < len(runes) {
		matched := false
		for _, tok := range dateTokenOrder {
			tr := []rune(tok)
			if i+len(tr) <= len(runes) && string(runes[i:i+len(tr)]) == tok {
				b.WriteString(replacements[tok])
				i += len(tr)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteRune(runes[i])
			i++
		}
	}
	return b.String()
}

// navigatePath resolves a dotted path string (honoring the
// attributes→attributeValues rewrite) against an arbitrary value, for use
// by map/filter/sum/avg.
func navigatePath(v any, path string) any {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if seg == "attributes" {
			if av, ok := m["attributeValues"]; ok {
				cur = av
				continue
			}
		}
		cur = m[seg]
	}
	return cur
}

func isTruthyEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	default:
		return false
	}
}
