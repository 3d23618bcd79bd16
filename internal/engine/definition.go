package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rcpx/rcpx/internal/guard"
)

// transitionKey groups transitions by the (from-state, event) pair the
// engine looks them up by during APPLY_EVENT.
type transitionKey struct {
	From  string
	Event string
}

// Transition is one row of a machine definition's transition table. A
// single transition may list multiple "from" states; it is indexed under
// a transitionKey for each one, but only ever evaluated once per event.
type Transition struct {
	From        []string
	Event       string
	To          string
	Guard       *guard.Expr
	GuardSource string
}

// Definition is a parsed, checksummed machine definition as registered by
// PUT_MACHINE. Transitions preserve declaration order: APPLY_EVENT scans
// the bucket for (from, event) in that order and the first transition
// whose guard passes — or which carries no guard — wins.
type Definition struct {
	Name        string
	Version     int
	States      map[string]struct{}
	Initial     string
	Transitions []*Transition
	Meta        json.RawMessage
	Checksum    string
	raw         []byte // canonical bytes, stored for re-registration comparisons

	byKey map[transitionKey][]*Transition
}

type rawTransition struct {
	From  json.RawMessage `json:"from"`
	Event string          `json:"event"`
	To    string          `json:"to"`
	Guard *string         `json:"guard,omitempty"`
}

type rawDefinition struct {
	States      []string        `json:"states"`
	Initial     string          `json:"initial"`
	Transitions []rawTransition `json:"transitions"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

func decodeFrom(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		return multi, nil
	}
	return nil, fmt.Errorf("%w: transition.from must be a string or array of strings", ErrInvalidDefinition)
}

// ParseDefinition validates and compiles a submitted machine definition,
// computing its canonical checksum for the version-conflict check in
// PUT_MACHINE.
func ParseDefinition(name string, version int, body json.RawMessage) (*Definition, error) {
	var raw rawDefinition
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if len(raw.States) == 0 {
		return nil, fmt.Errorf("%w: states must be non-empty", ErrInvalidDefinition)
	}
	states := make(map[string]struct{}, len(raw.States))
	for _, s := range raw.States {
		states[s] = struct{}{}
	}
	if raw.Initial == "" {
		return nil, fmt.Errorf("%w: initial state is required", ErrInvalidDefinition)
	}
	if _, ok := states[raw.Initial]; !ok {
		return nil, fmt.Errorf("%w: initial state %q is not declared in states", ErrInvalidDefinition, raw.Initial)
	}

	def := &Definition{
		Name:    name,
		Version: version,
		States:  states,
		Initial: raw.Initial,
		Meta:    raw.Meta,
		byKey:   make(map[transitionKey][]*Transition),
	}

	for i, rt := range raw.Transitions {
		froms, err := decodeFrom(rt.From)
		if err != nil {
			return nil, err
		}
		for _, f := range froms {
			if _, ok := states[f]; !ok {
				return nil, fmt.Errorf("%w: transition %d: from state %q is not declared", ErrInvalidDefinition, i, f)
			}
		}
		if _, ok := states[rt.To]; !ok {
			return nil, fmt.Errorf("%w: transition %d: to state %q is not declared", ErrInvalidDefinition, i, rt.To)
		}
		if rt.Event == "" {
			return nil, fmt.Errorf("%w: transition %d: event is required", ErrInvalidDefinition, i)
		}

		t := &Transition{From: froms, Event: rt.Event, To: rt.To}
		if rt.Guard != nil {
			expr, err := guard.Parse(*rt.Guard)
			if err != nil {
				return nil, fmt.Errorf("%w: transition %d: invalid guard: %v", ErrInvalidDefinition, i, err)
			}
			t.Guard = expr
			t.GuardSource = *rt.Guard
		}
		def.Transitions = append(def.Transitions, t)
		for _, f := range froms {
			key := transitionKey{From: f, Event: rt.Event}
			def.byKey[key] = append(def.byKey[key], t)
		}
	}

	canonical, err := canonicalJSON(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	def.raw = canonical
	sum := sha256.Sum256(canonical)
	def.Checksum = hex.EncodeToString(sum[:])

	return def, nil
}

// transitionsFor returns the candidate transitions for (from, event) in
// declaration order.
func (d *Definition) transitionsFor(from, event string) []*Transition {
	return d.byKey[transitionKey{From: from, Event: event}]
}

// canonicalJSON re-encodes arbitrary JSON with sorted object keys and no
// insignificant whitespace, the form PUT_MACHINE checksums are computed
// over. encoding/json already sorts map[string]any keys on Marshal, so a
// decode-then-reencode round trip is sufficient; no external canonical-JSON
// library is warranted for this.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
