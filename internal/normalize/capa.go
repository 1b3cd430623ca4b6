package normalize

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

type capaRule struct {
	Meta    map[string]any    `json:"meta"`
	Matches []json.RawMessage `json:"matches"`
}

type capaAddress struct {
	Type  string      `json:"type"`
	Value json.Number `json:"value"`
}

// Capa keeps capa's JSON document intact, records the command line and rules
// version that produced it, and adds a flat "rule_matches" list in the
// canonical rule shape.
func Capa(raw []byte, command []string, rulesVersion string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, faults.Wrap(faults.KindNormalizationFailed, "decode capa output", err)
	}
	if doc == nil {
		return nil, faults.New(faults.KindNormalizationFailed, "capa output is not an object")
	}

	var envelope struct {
		Rules map[string]capaRule `json:"rules"`
	}
	dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return nil, faults.Wrap(faults.KindNormalizationFailed, "decode capa rules", err)
	}

	names := make([]string, 0, len(envelope.Rules))
	for name := range envelope.Rules {
		names = append(names, name)
	}
	sort.Strings(names)

	matches := make([]RuleMatch, 0, len(names))
	for _, name := range names {
		r := envelope.Rules[name]
		rm := RuleMatch{RuleID: name, Metadata: r.Meta, Matches: []Match{}}
		if rm.Metadata == nil {
			rm.Metadata = map[string]any{}
		}
		if ns, ok := rm.Metadata["namespace"].(string); ok {
			rm.Namespace = ns
		}
		for _, m := range r.Matches {
			if off, ok := capaOffset(m); ok {
				rm.Matches = append(rm.Matches, Match{Offset: off})
			}
		}
		matches = append(matches, rm)
	}

	doc["command_executed"] = command
	doc["rules_version"] = rulesVersion
	doc["rule_matches"] = matches
	return doc, nil
}

// capaOffset extracts the address of one match entry. capa encodes entries
// as [address, details] pairs.
func capaOffset(raw json.RawMessage) (uint64, bool) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) == 0 {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(pair[0]))
	dec.UseNumber()
	var addr capaAddress
	if err := dec.Decode(&addr); err != nil || addr.Value == "" {
		return 0, false
	}
	v, err := parseUint(addr.Value, true)
	if err != nil {
		return 0, false
	}
	return v, true
}
