package analyzers

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
	"github.com/Ashfaaq98/owl-runtime/internal/invoker"
	"github.com/Ashfaaq98/owl-runtime/internal/normalize"
	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
	"github.com/Ashfaaq98/owl-runtime/internal/resource"
)

const (
	yaraXNamespace = "yarax"
	yaraForgeRepo  = "YARAHQ/yara-forge"
)

var yaraRuleSets = map[string]bool{"core": true, "extended": true, "full": true}

// YaraX scans files with the yara-x CLI using a YARA Forge rule package.
type YaraX struct {
	base
	path     string
	runner   invoker.Runner
	registry resource.Registry
}

func NewYaraX(def config.PluginDefinition, deps Deps) (*YaraX, error) {
	if deps.Process == nil {
		return nil, errors.New("yarax needs a process runner")
	}
	if deps.Registry == nil {
		return nil, errors.New("yarax needs a registry client")
	}
	return &YaraX{base: newBase(def, deps), path: deps.Tools.YaraXPath, runner: deps.Process, registry: deps.Registry}, nil
}

func (y *YaraX) InputType() config.InputType { return config.InputFile }

func ruleSet(params config.Params) string {
	return strings.ToLower(params.String("rule_set", "core"))
}

func (y *YaraX) Prepare(req plugins.ExecutionRequest) error {
	if !yaraRuleSets[ruleSet(req.Params)] {
		return faults.New(faults.KindInvalidRequest,
			"unknown rule_set "+req.Params.String("rule_set", "")+", available options are core, extended, full")
	}
	return nil
}

// Resources is the release asset of the selected rule set. Each rule set is
// a separate resource kind, so they are versioned independently.
func (y *YaraX) Resources(params config.Params) []plugins.Dependency {
	set := ruleSet(params)
	return []plugins.Dependency{{Spec: resource.Spec{
		Plugin:  yaraXNamespace,
		Kind:    set,
		Locator: resource.ReleaseAsset{Registry: y.registry, Repo: yaraForgeRepo, Match: set},
	}}}
}

// findRules returns the first .yar file below root in lexical order.
func findRules(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".yar") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fs.ErrNotExist
	}
	return found, nil
}

func (y *YaraX) Invoke(ctx context.Context, req plugins.ExecutionRequest, res plugins.Resources) (*plugins.RawOutput, error) {
	set := ruleSet(req.Params)
	rules, err := findRules(res.Path(set))
	if err != nil {
		return nil, faults.Wrap(faults.KindResourceUnavailable, set+" rules not present", err)
	}
	cmd := invoker.Command{
		Path:    y.path,
		Args:    []string{"scan", "--output-format", "ndjson", rules, req.Target.Path},
		Timeout: req.Timeout,
	}
	y.logger.Info().Str("rules", rules).Str("md5", req.Target.MD5).Msg("scanning with yara-x")
	out, err := y.runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return &plugins.RawOutput{
		Data:    out.Stdout,
		Command: cmd.Argv(),
		Meta:    map[string]string{"rule_set": set, "rules_version": res.Version(set)},
	}, nil
}

func (y *YaraX) Normalize(_ context.Context, _ plugins.ExecutionRequest, raw *plugins.RawOutput) (any, error) {
	return normalize.Rules(raw.Data)
}
