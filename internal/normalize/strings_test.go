package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

type reverseRanker struct {
	calls int
	err   error
}

func (r *reverseRanker) Rank(_ context.Context, _ string, values []string, limit int) ([]string, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := make([]string, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		out = append(out, values[i])
	}
	// a misbehaving service may ignore the limit
	return out, nil
}

func flossOutput(n int) []byte {
	decoded := make([]map[string]any, n)
	stack := make([]string, n)
	for i := 0; i < n; i++ {
		decoded[i] = map[string]any{"string": fmt.Sprintf("decoded-%d", i), "offset": i}
		stack[i] = fmt.Sprintf("stack-%d", i)
	}
	b, _ := json.Marshal(map[string]any{
		"metadata": map[string]any{"version": "3.1.0"},
		"strings":  map[string]any{"decoded_strings": decoded, "stack_strings": stack, "tight_strings": []string{}},
	})
	return b
}

func TestStringsPassThroughFlagsExceeded(t *testing.T) {
	policy := StringsPolicy{MaxCount: map[string]int{"stack_strings": 5}, Rank: map[string]bool{"stack_strings": false}}
	report, err := Strings(context.Background(), flossOutput(10), policy, nil)
	require.NoError(t, err)
	assert.Len(t, report.Strings["stack_strings"], 10)
	assert.True(t, report.ExceededLimit["stack_strings"])
	assert.Equal(t, "decoded-0", report.Strings["decoded_strings"][0])
}

func TestStringsRankedIsCapped(t *testing.T) {
	ranker := &reverseRanker{}
	policy := StringsPolicy{MaxCount: map[string]int{"decoded_strings": 5}, Rank: map[string]bool{"decoded_strings": true}}
	report, err := Strings(context.Background(), flossOutput(10), policy, ranker)
	require.NoError(t, err)
	assert.Len(t, report.Strings["decoded_strings"], 5)
	assert.Equal(t, "decoded-9", report.Strings["decoded_strings"][0])
	assert.NotContains(t, report.ExceededLimit, "decoded_strings")
	assert.Equal(t, 1, ranker.calls)

	b, err := json.Marshal(report)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), `"metadata"`))
}

func TestStringsRankerFailure(t *testing.T) {
	ranker := &reverseRanker{err: faults.New(faults.KindExecutionFailed, "service down")}
	policy := StringsPolicy{MaxCount: map[string]int{"decoded_strings": 5}, Rank: map[string]bool{"decoded_strings": true}}
	_, err := Strings(context.Background(), flossOutput(3), policy, ranker)
	assert.True(t, errors.Is(err, faults.ErrExecutionFailed))
}

func TestStringsMalformed(t *testing.T) {
	for _, raw := range []string{"", "[]", `{"metadata":{}}`, `{"strings":{"decoded_strings":[1,2]}}`} {
		_, err := Strings(context.Background(), []byte(raw), StringsPolicy{}, nil)
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, faults.ErrNormalizationFailed), raw)
	}
}

func TestStringsLimitPolicyProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(rt, "n")
		limit := rapid.IntRange(0, 20).Draw(rt, "limit")
		rank := rapid.Bool().Draw(rt, "rank")

		policy := StringsPolicy{MaxCount: map[string]int{"stack_strings": limit}, Rank: map[string]bool{"stack_strings": rank}}
		report, err := Strings(context.Background(), flossOutput(n), policy, &reverseRanker{})
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		got := report.Strings["stack_strings"]
		if rank {
			if len(got) > limit {
				rt.Fatalf("ranked category has %d > %d entries", len(got), limit)
			}
			if report.ExceededLimit["stack_strings"] {
				rt.Fatalf("ranked category flagged")
			}
			return
		}
		if len(got) != n {
			rt.Fatalf("pass-through dropped strings: %d != %d", len(got), n)
		}
		if report.ExceededLimit["stack_strings"] != (n > limit) {
			rt.Fatalf("exceeded flag %v for n=%d limit=%d", report.ExceededLimit["stack_strings"], n, limit)
		}
	})
}
