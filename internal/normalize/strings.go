package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

// Ranker reorders strings by relevance and returns at most limit of them.
type Ranker interface {
	Rank(ctx context.Context, category string, values []string, limit int) ([]string, error)
}

// StringsPolicy holds per-category caps and which categories are ranked.
type StringsPolicy struct {
	MaxCount map[string]int
	Rank     map[string]bool
}

// StringsReport is the canonical output of string extraction tools.
type StringsReport struct {
	Strings       map[string][]string        `json:"strings"`
	ExceededLimit map[string]bool            `json:"exceeded_max_number_of_strings"`
	Extra         map[string]json.RawMessage `json:"-"`
}

// MarshalJSON flattens Extra (tool metadata, analysis info) next to the
// strings.
func (r StringsReport) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+2)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["strings"] = r.Strings
	out["exceeded_max_number_of_strings"] = r.ExceededLimit
	return json.Marshal(out)
}

// Strings parses string extractor output and applies policy. For a capped
// category, ranking reduces it to at most the cap. Without ranking an
// over-cap category is returned in full and flagged in ExceededLimit.
func Strings(ctx context.Context, raw []byte, policy StringsPolicy, ranker Ranker) (*StringsReport, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, faults.Wrap(faults.KindNormalizationFailed, "decode strings output", err)
	}
	rawStrings, ok := doc["strings"]
	if !ok {
		return nil, faults.New(faults.KindNormalizationFailed, "strings output has no \"strings\" object")
	}
	var categories map[string]json.RawMessage
	if err := json.Unmarshal(rawStrings, &categories); err != nil {
		return nil, faults.Wrap(faults.KindNormalizationFailed, "decode strings categories", err)
	}

	report := &StringsReport{
		Strings:       make(map[string][]string, len(categories)),
		ExceededLimit: map[string]bool{},
		Extra:         map[string]json.RawMessage{},
	}
	for k, v := range doc {
		if k != "strings" {
			report.Extra[k] = v
		}
	}
	for cat, v := range categories {
		values, err := decodeStringList(v)
		if err != nil {
			return nil, faults.Wrap(faults.KindNormalizationFailed, "category "+cat, err)
		}
		report.Strings[cat] = values
	}

	capped := make([]string, 0, len(policy.MaxCount))
	for cat := range policy.MaxCount {
		capped = append(capped, cat)
	}
	sort.Strings(capped)

	for _, cat := range capped {
		limit := policy.MaxCount[cat]
		values := report.Strings[cat]
		if policy.Rank[cat] {
			if len(values) == 0 {
				continue
			}
			if ranker == nil {
				return nil, faults.New(faults.KindInvalidRequest, "ranking requested for "+cat+" but no ranker configured")
			}
			ranked, err := ranker.Rank(ctx, cat, values, limit)
			if err != nil {
				return nil, err
			}
			if len(ranked) > limit {
				ranked = ranked[:limit]
			}
			report.Strings[cat] = ranked
			continue
		}
		if len(values) > limit {
			report.ExceededLimit[cat] = true
		}
	}
	return report, nil
}

// decodeStringList accepts a list of strings or of objects with a "string"
// field.
func decodeStringList(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []string{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			String *string `json:"string"`
		}
		if err := json.Unmarshal(item, &obj); err != nil || obj.String == nil {
			return nil, fmt.Errorf("item %d is neither a string nor a string record", i)
		}
		out = append(out, *obj.String)
	}
	return out, nil
}
