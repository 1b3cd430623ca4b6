// Package normalize turns raw tool output into the report shapes returned to
// callers. Every function fails with NormalizationFailed on output it cannot
// parse; none of them returns an empty report for garbage input.
package normalize

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

// Match is one hit of a rule pattern.
type Match struct {
	Pattern string  `json:"pattern,omitempty"`
	Offset  uint64  `json:"offset"`
	Length  uint64  `json:"length"`
	XorKey  *uint64 `json:"xorKey,omitempty"`
}

// RuleMatch is one matching rule.
type RuleMatch struct {
	RuleID    string         `json:"ruleId"`
	Namespace string         `json:"namespace,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	Matches   []Match        `json:"matches"`
}

// RuleReport is the canonical output of rule-matching engines.
type RuleReport struct {
	Results []RuleMatch `json:"results"`
	Matched bool        `json:"matched"`
}

// scan output as emitted by the yara-x CLI in ndjson mode, one document per
// scanned file.
type scanDoc struct {
	Path          string     `json:"path"`
	Rules         *[]rawRule `json:"rules"`
	MatchingRules *[]rawRule `json:"matching_rules"`
}

type rawRule struct {
	Identifier     string          `json:"identifier"`
	RuleIdentifier string          `json:"rule_identifier"`
	Namespace      string          `json:"namespace"`
	Meta           json.RawMessage `json:"meta"`
	Metadata       json.RawMessage `json:"rule_metadata"`
	Patterns       []rawPattern    `json:"patterns"`
	Strings        []rawPattern    `json:"strings"`
	PatternDetails []rawPattern    `json:"pattern_details"`
}

type rawPattern struct {
	Identifier        string     `json:"identifier"`
	PatternIdentifier string     `json:"pattern_identifier"`
	Matches           []rawMatch `json:"matches"`
	MatchDetails      []rawMatch `json:"match_details"`
}

type rawMatch struct {
	Offset      json.Number `json:"offset"`
	Length      json.Number `json:"length"`
	XorKey      json.Number `json:"xor_key"`
	MatchOffset json.Number `json:"match_offset"`
	MatchLength json.Number `json:"match_length"`
	MatchXorKey json.Number `json:"match_xor_key"`
}

// Rules parses rule engine output. It accepts one or more JSON documents,
// each carrying a "rules" or "matching_rules" list; rule metadata may be an
// object or a list of [key, value] pairs. Offsets are decoded as exact
// unsigned integers.
func Rules(raw []byte) (*RuleReport, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, faults.New(faults.KindNormalizationFailed, "rule engine produced no output")
	}
	dec := json.NewDecoder(bufio.NewReader(bytes.NewReader(raw)))
	dec.UseNumber()

	report := &RuleReport{Results: []RuleMatch{}}
	docs := 0
	for {
		var doc scanDoc
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, faults.Wrap(faults.KindNormalizationFailed, "decode rule engine output", err)
		}
		rules := doc.Rules
		if rules == nil {
			rules = doc.MatchingRules
		}
		if rules == nil {
			return nil, faults.New(faults.KindNormalizationFailed, "rule engine output has no rules list")
		}
		docs++
		for _, r := range *rules {
			m, err := r.normalize()
			if err != nil {
				return nil, err
			}
			report.Results = append(report.Results, m)
		}
	}
	if docs == 0 {
		return nil, faults.New(faults.KindNormalizationFailed, "rule engine produced no documents")
	}
	report.Matched = len(report.Results) > 0
	return report, nil
}

func (r rawRule) normalize() (RuleMatch, error) {
	id := firstNonEmpty(r.Identifier, r.RuleIdentifier)
	if id == "" {
		return RuleMatch{}, faults.New(faults.KindNormalizationFailed, "rule without identifier")
	}
	metaRaw := r.Meta
	if len(metaRaw) == 0 {
		metaRaw = r.Metadata
	}
	meta, err := decodeMeta(metaRaw)
	if err != nil {
		return RuleMatch{}, faults.Wrap(faults.KindNormalizationFailed, "metadata of rule "+id, err)
	}
	out := RuleMatch{RuleID: id, Namespace: r.Namespace, Metadata: meta, Matches: []Match{}}
	for _, group := range [][]rawPattern{r.Patterns, r.Strings, r.PatternDetails} {
		for _, p := range group {
			pid := firstNonEmpty(p.Identifier, p.PatternIdentifier)
			matches := p.Matches
			if len(matches) == 0 {
				matches = p.MatchDetails
			}
			for _, m := range matches {
				nm, err := m.normalize(pid)
				if err != nil {
					return RuleMatch{}, faults.Wrap(faults.KindNormalizationFailed, fmt.Sprintf("match of %s%s", id, pid), err)
				}
				out.Matches = append(out.Matches, nm)
			}
		}
	}
	return out, nil
}

func (m rawMatch) normalize(pattern string) (Match, error) {
	offset, err := parseUint(firstNumber(m.Offset, m.MatchOffset), true)
	if err != nil {
		return Match{}, fmt.Errorf("offset: %w", err)
	}
	length, err := parseUint(firstNumber(m.Length, m.MatchLength), false)
	if err != nil {
		return Match{}, fmt.Errorf("length: %w", err)
	}
	out := Match{Pattern: pattern, Offset: offset, Length: length}
	if xk := firstNumber(m.XorKey, m.MatchXorKey); xk != "" {
		v, err := parseUint(xk, true)
		if err != nil {
			return Match{}, fmt.Errorf("xor key: %w", err)
		}
		out.XorKey = &v
	}
	return out, nil
}

func decodeMeta(raw json.RawMessage) (map[string]any, error) {
	meta := map[string]any{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return meta, nil
	}
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, err
		}
		return meta, nil
	}
	var pairs [][]any
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, err
	}
	for _, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("metadata entry with %d elements", len(p))
		}
		k, ok := p[0].(string)
		if !ok {
			return nil, fmt.Errorf("metadata key %v is not a string", p[0])
		}
		meta[k] = p[1]
	}
	return meta, nil
}

func parseUint(n json.Number, required bool) (uint64, error) {
	if n == "" {
		if required {
			return 0, errors.New("missing")
		}
		return 0, nil
	}
	return strconv.ParseUint(string(n), 10, 64)
}

func firstNumber(ns ...json.Number) json.Number {
	for _, n := range ns {
		if n != "" {
			return n
		}
	}
	return ""
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
