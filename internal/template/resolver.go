package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/restadapter"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/security"
)

// Resolver evaluates `{{...}}` expressions against an execution context. It
// is constructed once per action-config resolution and reused across the
// fields of that config.
type Resolver struct {
	ev *evalContext
}

// NewResolver builds a Resolver bound to the given execution context. rest
// and workspaceID may be zero-valued when the caller knows no oql:/lookup()
// expression will be evaluated (e.g. condition templates with no upstream
// dependency); evalOQL/evalLookup report a clear error if one is attempted
// anyway.
func NewResolver(goCtx context.Context, execCtx *model.ExecutionContext, rest *restadapter.Adapter, workspaceID string) *Resolver {
	return &Resolver{ev: &evalContext{goCtx: goCtx, execCtx: execCtx, rest: rest, workspaceID: workspaceID}}
}

var exprPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// blockMaxIterations guards {{#each}} against runaway or malformed data —
// past this many loop bodies the remaining items are dropped from the output.
const blockMaxIterations = 100

// Resolve substitutes every `{{...}}` expression (including block helpers)
// found in input and returns the resulting string. Stringification follows
// the rules in stringify: null/undefined become "", strings pass
// through untouched, numbers/booleans stringify plainly, dates render as
// ISO-8601, and objects/arrays render as JSON.
//
// A syntax error in the expression itself falls back to legacyResolve, on
// the theory that the field was written against the older dotted-path-only
// template language. Any other failure — an unknown function, a
// divide-by-zero, a bad oql:/lookup() evaluation — is a real error and
// propagates so it fails the enclosing action, per the engine's error
// policy.
func (r *Resolver) Resolve(input string) (string, error) {
	out, err := r.resolveBlocks(input, 0)
	if err != nil {
		var pe *parseErr
		if errors.As(err, &pe) {
			return r.legacyResolve(input), nil
		}
		return "", err
	}
	return out, nil
}

// ResolveDeep walks an arbitrary JSON-ish value (map/slice/string/scalar)
// and resolves every string leaf, used for structured action config fields.
func (r *Resolver) ResolveDeep(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.Resolve(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.ResolveDeep(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.ResolveDeep(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveBlocks processes {{#each}}/{{#if}}/{{else}}/{{/each}}/{{/if}} block
// helpers innermost-first, then substitutes remaining plain expressions.
func (r *Resolver) resolveBlocks(input string, depth int) (string, error) {
	if depth > blockMaxIterations {
		return "", fmt.Errorf("template block nesting exceeded %d iterations", blockMaxIterations)
	}

	if loc := findInnermostBlock(input, "each"); loc != nil {
		expanded, err := r.expandEach(input, loc)
		if err != nil {
			return "", err
		}
		return r.resolveBlocks(expanded, depth+1)
	}
	if loc := findInnermostBlock(input, "if"); loc != nil {
		expanded, err := r.expandIf(input, loc)
		if err != nil {
			return "", err
		}
		return r.resolveBlocks(expanded, depth+1)
	}

	return r.resolvePlain(input)
}

type blockLoc struct {
	openStart, openEnd int
	exprText           string
	elseAt             int // -1 if no else
	closeStart, closeEnd int
	bodyStart, bodyEnd    int
}

// findInnermostBlock finds the first {{#tag ...}}...{{/tag}} pair that
// contains no nested {{#tag}} of the same name, i.e. the innermost one.
func findInnermostBlock(input, tag string) *blockLoc {
	openRe := regexp.MustCompile(`\{\{#` + tag + `\s*(.*?)\}\}`)
	closeTok := "{{/" + tag + "}}"
	elseTok := "{{else}}"

	opens := openRe.FindAllStringSubmatchIndex(input, -1)
	if len(opens) == 0 {
		return nil
	}

	for i := len(opens) - 1; i >= 0; i-- {
		open := opens[i]
		openEnd := open[1]
		closeStart := strings.Index(input[openEnd:], closeTok)
		if closeStart < 0 {
			continue
		}
		closeStart += openEnd
		body := input[openEnd:closeStart]
		if openRe.MatchString(body) {
			continue
		}
		loc := &blockLoc{
			openStart: open[0],
			openEnd:   openEnd,
			exprText:  input[open[2]:open[3]],
			closeStart: closeStart,
			closeEnd:   closeStart + len(closeTok),
			bodyStart:  openEnd,
			bodyEnd:    closeStart,
			elseAt:     -1,
		}
		if idx := strings.Index(body, elseTok); idx >= 0 {
			loc.elseAt = openEnd + idx
		}
		return loc
	}
	return nil
}

func (r *Resolver) expandEach(input string, loc *blockLoc) (string, error) {
	node, err := parseExpression(strings.TrimSpace(loc.exprText))
	if err != nil {
		return "", fmt.Errorf("invalid #each expression: %w", err)
	}
	collVal, err := r.ev.Eval(node)
	if err != nil {
		return "", err
	}
	items := asSlice(collVal)

	body := input[loc.bodyStart:loc.bodyEnd]
	var rendered strings.Builder
	n := len(items)
	if n > blockMaxIterations {
		n = blockMaxIterations
	}
	for i := 0; i < n; i++ {
		iterVars := map[string]any{
			"@index": float64(i),
			"@first": i == 0,
			"@last":  i == len(items)-1,
		}
		rendered.WriteString(substituteEachItem(body, items[i], iterVars))
	}

	return input[:loc.openStart] + rendered.String() + input[loc.closeEnd:], nil
}

// substituteEachItem rewrites `{{this...}}` and `{{@index}}`/`{{@first}}`/
// `{{@last}}` references inside one loop body before the outer resolver
// runs its normal expression pass.
func substituteEachItem(body string, item any, iterVars map[string]any) string {
	return exprPattern.ReplaceAllStringFunc(body, func(match string) string {
		inner := strings.TrimSpace(exprPattern.FindStringSubmatch(match)[1])
		if v, ok := iterVars[inner]; ok {
			return stringify(v)
		}
		if inner == "this" {
			return stringify(item)
		}
		if strings.HasPrefix(inner, "this.") {
			path := strings.TrimPrefix(inner, "this.")
			return stringify(navigatePath(itemAsMap(item), path))
		}
		return match
	})
}

func itemAsMap(v any) any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return toAnyMap(v)
}

func (r *Resolver) expandIf(input string, loc *blockLoc) (string, error) {
	cond, err := r.evalIfCondition(strings.TrimSpace(loc.exprText))
	if err != nil {
		return "", err
	}

	var chosen string
	if loc.elseAt >= 0 {
		if cond {
			chosen = input[loc.bodyStart:loc.elseAt]
		} else {
			chosen = input[loc.elseAt+len("{{else}}") : loc.bodyEnd]
		}
	} else if cond {
		chosen = input[loc.bodyStart:loc.bodyEnd]
	} else {
		chosen = ""
	}

	return input[:loc.openStart] + chosen + input[loc.closeEnd:], nil
}

// EvalTruthy parses and evaluates expr (without the surrounding `{{ }}`)
// and reports its truthiness, for callers — such as the template condition
// leaf — that need a boolean rather than a rendered string.
func (r *Resolver) EvalTruthy(expr string) (bool, error) {
	return r.evalIfCondition(expr)
}

// evalIfCondition supports both `{{#if X op Y}}` comparisons and bare
// truthiness `{{#if X}}`.
func (r *Resolver) evalIfCondition(expr string) (bool, error) {
	node, err := parseExpression(expr)
	if err != nil {
		return false, fmt.Errorf("invalid #if expression: %w", err)
	}
	val, err := r.ev.Eval(node)
	if err != nil {
		return false, err
	}
	if b, ok := val.(bool); ok {
		return b, nil
	}
	return !isTruthyEmpty(val), nil
}

func (r *Resolver) resolvePlain(input string) (string, error) {
	var firstErr error
	out := exprPattern.ReplaceAllStringFunc(input, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := exprPattern.FindStringSubmatch(match)[1]
		node, err := parseExpression(strings.TrimSpace(sub))
		if err != nil {
			firstErr = err
			return match
		}
		val, err := r.ev.Eval(node)
		if err != nil {
			firstErr = err
			return match
		}
		return stringify(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// legacyResolve is the fallback used when block/expression parsing fails:
// a simpler dotted-path-only substitution matching how earlier rule
// definitions referenced context values, so a malformed new-style
// expression in one field doesn't break an otherwise-valid legacy template.
func (r *Resolver) legacyResolve(input string) string {
	return exprPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := strings.TrimSpace(exprPattern.FindStringSubmatch(match)[1])
		roots := r.ev.roots()
		segs := strings.Split(sub, ".")
		var cur any = roots
		for _, seg := range segs {
			m, ok := cur.(map[string]any)
			if !ok {
				return match
			}
			v, ok := m[seg]
			if !ok {
				return match
			}
			cur = v
		}
		return stringify(cur)
	})
}

// stringify renders a value for substitution into template output, then
// runs it through the control-character/backtick/length sanitizer that
// bounds every other string boundary in this system.
func stringify(v any) string {
	return security.SanitizeValue(rawStringify(v))
}

func rawStringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		var s string
		if json.Unmarshal(b, &s) == nil {
			return s
		}
		return string(b)
	}
}
