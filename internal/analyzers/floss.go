package analyzers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
	"github.com/Ashfaaq98/owl-runtime/internal/invoker"
	"github.com/Ashfaaq98/owl-runtime/internal/normalize"
	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
)

const (
	flossDefaultTimeout = 9 * time.Minute
	stringsifterPath    = "/stringsifter"
	// getconf ARG_MAX on the tool service host, minus room for the other
	// arguments.
	maxArgBytes = 2097152 - 5
)

// Floss extracts obfuscated strings with FLARE floss. Categories over their
// configured cap are either ranked by the stringsifter tool service or passed
// through and flagged.
type Floss struct {
	base
	path    string
	runner  invoker.Runner
	service *invoker.Service
}

func NewFloss(def config.PluginDefinition, deps Deps) (*Floss, error) {
	if deps.Process == nil {
		return nil, errors.New("floss needs a process runner")
	}
	f := &Floss{base: newBase(def, deps), path: deps.Tools.FlossPath, runner: deps.Process}
	if deps.HTTP != nil && deps.Tools.ServiceURL != "" {
		f.service = invoker.NewService(strings.TrimRight(deps.Tools.ServiceURL, "/")+stringsifterPath, deps.HTTP, f.logger)
	}
	return f, nil
}

func (f *Floss) InputType() config.InputType { return config.InputFile }

func (f *Floss) DefaultTimeout() time.Duration { return flossDefaultTimeout }

func (f *Floss) policy(params config.Params) normalize.StringsPolicy {
	return normalize.StringsPolicy{
		MaxCount: params.IntMap("max_no_of_strings"),
		Rank:     params.BoolMap("rank_strings"),
	}
}

func (f *Floss) Prepare(req plugins.ExecutionRequest) error {
	p := f.policy(req.Params)
	for cat, rank := range p.Rank {
		if !rank {
			continue
		}
		if _, ok := p.MaxCount[cat]; !ok {
			return faults.New(faults.KindInvalidRequest, "rank_strings."+cat+" is set without max_no_of_strings."+cat)
		}
		if f.service == nil {
			return faults.New(faults.KindInvalidRequest, "rank_strings."+cat+" needs tools.service_url")
		}
	}
	for cat, n := range p.MaxCount {
		if n < 0 {
			return faults.New(faults.KindInvalidRequest, fmt.Sprintf("max_no_of_strings.%s is negative", cat))
		}
	}
	return nil
}

func (f *Floss) Invoke(ctx context.Context, req plugins.ExecutionRequest, _ plugins.Resources) (*plugins.RawOutput, error) {
	cmd := invoker.Command{
		Path:    f.path,
		Args:    []string{"--json", "--no", "static", "--", req.Target.Path},
		Timeout: req.Timeout,
	}
	f.logger.Info().Str("md5", req.Target.MD5).Msg("running floss")
	out, err := f.runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return &plugins.RawOutput{Data: out.Stdout, Command: cmd.Argv()}, nil
}

func (f *Floss) Normalize(ctx context.Context, req plugins.ExecutionRequest, raw *plugins.RawOutput) (any, error) {
	var ranker normalize.Ranker
	if f.service != nil {
		ranker = &ServiceRanker{Service: f.service, Timeout: req.Timeout, Logger: f.logger}
	}
	return normalize.Strings(ctx, raw.Data, f.policy(req.Params), ranker)
}

func (f *Floss) HealthCheck(ctx context.Context) error {
	if f.service == nil {
		return errors.New("no tool service configured")
	}
	return f.service.HealthCheck(ctx)
}

// ServiceRanker ranks strings with the stringsifter tool service.
type ServiceRanker struct {
	Service *invoker.Service
	Timeout time.Duration
	Logger  zerolog.Logger
}

func (r *ServiceRanker) Rank(ctx context.Context, category string, values []string, limit int) ([]string, error) {
	encoded, kept := encodeWithin(values, maxArgBytes)
	if kept < len(values) {
		r.Logger.Warn().Str("category", category).Int("kept", kept).Int("total", len(values)).
			Msg("strings truncated to the argument size limit")
	}
	report, err := r.Service.Run(ctx, invoker.ServiceRequest{
		Args:    []string{"rank_strings", "--limit", strconv.Itoa(limit), "--strings", encoded},
		Timeout: int(r.Timeout.Seconds()),
	})
	if err != nil {
		return nil, err
	}
	ranked, err := decodeRanked(report)
	if err != nil {
		return nil, faults.Wrap(faults.KindNormalizationFailed, "decode ranked "+category, err)
	}
	return ranked, nil
}

// encodeWithin JSON-encodes the longest prefix of values that fits in budget
// bytes, and reports how many values it kept.
func encodeWithin(values []string, budget int) (string, int) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	kept := 0
	for _, v := range values {
		item, _ := json.Marshal(v)
		extra := len(item) + 1 // comma or closing bracket
		if buf.Len()+extra > budget {
			break
		}
		if kept > 0 {
			buf.WriteByte(',')
		}
		buf.Write(item)
		kept++
	}
	buf.WriteByte(']')
	return buf.String(), kept
}

// decodeRanked accepts a JSON list, a JSON string holding a list, or plain
// newline separated output.
func decodeRanked(report json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(report, &list); err == nil {
		return list, nil
	}
	var text string
	if err := json.Unmarshal(report, &text); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(text), &list); err == nil {
		return list, nil
	}
	list = []string{}
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			list = append(list, line)
		}
	}
	return list, nil
}
