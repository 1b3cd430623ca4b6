package analyzers

import (
	"context"
	"errors"
	"time"

	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
	"github.com/Ashfaaq98/owl-runtime/internal/invoker"
	"github.com/Ashfaaq98/owl-runtime/internal/normalize"
	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
	"github.com/Ashfaaq98/owl-runtime/internal/resource"
)

const (
	capaNamespace      = "capa"
	capaRulesKind      = "rules"
	capaSigsKind       = "sigs"
	capaRulesRepo      = "mandiant/capa-rules"
	capaRepo           = "mandiant/capa"
	capaDefaultTimeout = 15 * time.Second
)

// Capa identifies capabilities in executables with capa. Rules come from the
// latest capa-rules tag, signatures from the sigs directory of the capa repo.
type Capa struct {
	base
	path   string
	runner invoker.Runner
	rules  resource.Spec
	sigs   resource.Spec
}

func NewCapa(def config.PluginDefinition, deps Deps) (*Capa, error) {
	if deps.Process == nil {
		return nil, errors.New("capa needs a process runner")
	}
	if deps.Registry == nil {
		return nil, errors.New("capa needs a registry client")
	}
	return &Capa{
		base:   newBase(def, deps),
		path:   deps.Tools.CapaPath,
		runner: deps.Process,
		rules: resource.Spec{
			Plugin: capaNamespace,
			Kind:   capaRulesKind,
			Locator: resource.TagArchive{
				Registry:    deps.Registry,
				Repo:        capaRulesRepo,
				URLTemplate: resource.CapaRulesURLTemplate,
			},
		},
		sigs: resource.Spec{
			Plugin:  capaNamespace,
			Kind:    capaSigsKind,
			Locator: resource.Contents{Registry: deps.Registry, Repo: capaRepo, Path: "sigs"},
		},
	}, nil
}

func (c *Capa) InputType() config.InputType { return config.InputFile }

func (c *Capa) DefaultTimeout() time.Duration { return capaDefaultTimeout }

func (c *Capa) Prepare(req plugins.ExecutionRequest) error {
	if !req.Params.Bool("shellcode", false) {
		return nil
	}
	switch req.Params.String("arch", "64") {
	case "32", "64":
		return nil
	default:
		return faults.New(faults.KindInvalidRequest, "arch must be 32 or 64")
	}
}

// Resources always refreshes signatures when force_pull_signatures is set.
func (c *Capa) Resources(params config.Params) []plugins.Dependency {
	return []plugins.Dependency{
		{Spec: c.rules},
		{Spec: c.sigs, Force: params.Bool("force_pull_signatures", false)},
	}
}

func (c *Capa) command(req plugins.ExecutionRequest, res plugins.Resources) invoker.Command {
	args := []string{"--quiet", "--json"}
	if req.Params.Bool("shellcode", false) {
		format := "sc32"
		if req.Params.String("arch", "64") == "64" {
			format = "sc64"
		}
		args = append(args, "-f", format)
	}
	args = append(args, "-r", res.Path(capaRulesKind), "-s", res.Path(capaSigsKind), req.Target.Path)
	return invoker.Command{Path: c.path, Args: args, Timeout: req.Timeout}
}

func (c *Capa) Invoke(ctx context.Context, req plugins.ExecutionRequest, res plugins.Resources) (*plugins.RawOutput, error) {
	cmd := c.command(req, res)
	c.logger.Info().Str("command", cmd.String()).Str("md5", req.Target.MD5).Msg("running capa")
	out, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return &plugins.RawOutput{
		Data:    out.Stdout,
		Command: cmd.Argv(),
		Meta:    map[string]string{"rules_version": res.Version(capaRulesKind)},
	}, nil
}

func (c *Capa) Normalize(_ context.Context, _ plugins.ExecutionRequest, raw *plugins.RawOutput) (any, error) {
	return normalize.Capa(raw.Data, raw.Command, raw.Meta["rules_version"])
}
