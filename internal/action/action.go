// Package action parses and executes the verb-prefixed action strings a
// manifest's Start/Stop/Watch lists contain.
package action

import (
	"fmt"
	"strconv"
	"strings"
)

// Verb names one recognized action.
type Verb string

const (
	VerbExec    Verb = "exec"
	VerbWait    Verb = "wait"
	VerbSleep   Verb = "sleep"
	VerbHTTP    Verb = "http"
	VerbHTTPS   Verb = "https"
	VerbService Verb = "service"
	VerbStart   Verb = "start"
	VerbStop    Verb = "stop"
)

// Phase names which manifest list an action came from, governing which
// verbs are legal.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseStop  Phase = "stop"
	PhaseWatch Phase = "watch"
)

// allowed is the per-phase verb allow-list.
var allowed = map[Phase]map[Verb]bool{
	PhaseStart: {VerbExec: true, VerbWait: true, VerbSleep: true, VerbHTTP: true, VerbHTTPS: true, VerbService: true, VerbStart: true},
	PhaseStop:  {VerbExec: true, VerbWait: true, VerbSleep: true, VerbHTTP: true, VerbHTTPS: true, VerbService: true, VerbStop: true},
	PhaseWatch: {VerbExec: true, VerbWait: true, VerbSleep: true, VerbHTTP: true, VerbHTTPS: true, VerbService: true},
}

// Allowed reports whether verb v may appear in a manifest's phase list.
func Allowed(phase Phase, v Verb) bool {
	m, ok := allowed[phase]
	if !ok {
		return false
	}
	return m[v]
}

// Action is one parsed action string: an ordered list of verbs to try in
// turn until one succeeds, a positional argument string shared by all of
// them (still containing %TOKEN% placeholders until expanded), and
// optional key=value modifiers parsed off the tail.
type Action struct {
	Verbs     []Verb
	Arg       string
	Expect    []int // expected exit/status codes; empty means "success" per verb default
	TimeoutMS int   // 0 means use the shared probe timeout
}

// Parse splits a raw action string of the form
// "verb[,verb...]:arg[ key=value...]" into an Action. The verb portion is
// a comma-separated fallback chain: unknown verbs and verbs not allowed
// in phase are silently dropped rather than raising, leaving whatever
// remains as the ordered chain Executor.Run tries. Parse does not expand
// placeholders; call Expander.Expand on the returned Arg (and on Parse's
// input generally) beforehand or afterward as the caller's action list
// processing requires.
func Parse(phase Phase, raw string) (Action, error) {
	raw = strings.TrimSpace(raw)
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return Action{}, fmt.Errorf("action: missing verb in %q", raw)
	}
	verbList := strings.TrimSpace(raw[:idx])
	rest := strings.TrimSpace(raw[idx+1:])

	fields, err := splitModifiers(rest)
	if err != nil {
		return Action{}, fmt.Errorf("action %q: %w", raw, err)
	}

	a := Action{Arg: fields.arg}
	for k, v := range fields.mods {
		switch k {
		case "expect":
			codes, err := parseExpect(v)
			if err != nil {
				return Action{}, fmt.Errorf("action %q: %w", raw, err)
			}
			a.Expect = codes
		case "timeout":
			ms, err := strconv.Atoi(v)
			if err != nil {
				return Action{}, fmt.Errorf("action %q: invalid timeout %q", raw, v)
			}
			a.TimeoutMS = ms
		default:
			return Action{}, fmt.Errorf("action %q: unknown modifier %q", raw, k)
		}
	}

	for _, part := range strings.Split(verbList, ",") {
		v := Verb(strings.ToLower(strings.TrimSpace(part)))
		if v == "" || !validVerb(v) || !Allowed(phase, v) {
			continue
		}
		a.Verbs = append(a.Verbs, v)
	}
	return a, nil
}

func validVerb(v Verb) bool {
	switch v {
	case VerbExec, VerbWait, VerbSleep, VerbHTTP, VerbHTTPS, VerbService, VerbStart, VerbStop:
		return true
	default:
		return false
	}
}

func parseExpect(v string) ([]int, error) {
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid expect code %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

type parsedRest struct {
	arg  string
	mods map[string]string
}

// splitModifiers pulls trailing " key=value" tokens off rest, honoring
// single/double quoted values, and returns the leading positional
// argument string unchanged (still possibly containing %TOKEN%s and
// spaces, since exec argv splitting happens later against the expanded
// string).
func splitModifiers(rest string) (parsedRest, error) {
	tokens, err := tokenize(rest)
	if err != nil {
		return parsedRest{}, err
	}
	mods := map[string]string{}
	argTokens := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if eq := strings.IndexByte(t, '='); eq > 0 && isModifierKey(t[:eq]) {
			mods[t[:eq]] = t[eq+1:]
			continue
		}
		argTokens = append(argTokens, t)
	}
	return parsedRest{arg: strings.Join(argTokens, " "), mods: mods}, nil
}

// isModifierKey reports whether k has the shape of a modifier key (a run
// of lowercase ASCII letters). Keys of that shape are pulled into the
// modifier map whether or not they are recognized, so Parse can reject an
// unknown one instead of folding it into Arg.
func isModifierKey(k string) bool {
	if k == "" {
		return false
	}
	for i := 0; i < len(k); i++ {
		if k[i] < 'a' || k[i] > 'z' {
			return false
		}
	}
	return true
}

// tokenize performs a simple shell-like split respecting single and
// double quotes, without interpreting escapes beyond the quote pair
// itself. Good enough for action strings, which are authored, not
// attacker-controlled input.
func tokenize(s string) ([]string, error) {
	var out []string
	var cur strings.Builder
	inQuote := byte(0)
	has := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			inQuote = c
			has = true
		case c == ' ' || c == '\t':
			if has {
				out = append(out, cur.String())
				cur.Reset()
				has = false
			}
		default:
			cur.WriteByte(c)
			has = true
		}
	}
	if inQuote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	if has {
		out = append(out, cur.String())
	}
	return out, nil
}
