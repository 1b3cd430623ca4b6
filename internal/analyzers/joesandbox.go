package analyzers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
	"github.com/Ashfaaq98/owl-runtime/internal/invoker"
	"github.com/Ashfaaq98/owl-runtime/internal/normalize"
	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
)

const (
	joeDefaultURL          = "https://jbxcloud.joesecurity.org/api"
	joeDefaultTimeout      = 20 * time.Minute
	joeDefaultPollDuration = 10 * time.Minute
	joeDefaultPollInterval = 15 * time.Second
)

// JoeSandbox looks up or submits a sample (file or URL) to Joe Sandbox and
// returns the analysis record. Existing analyses are reused unless
// force_new_analysis is set.
type JoeSandbox struct {
	base
	typ   config.InputType
	http  *invoker.HTTPClient
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewJoeSandbox(def config.PluginDefinition, deps Deps, typ config.InputType) (*JoeSandbox, error) {
	if deps.HTTP == nil {
		return nil, errNoHTTP
	}
	return &JoeSandbox{base: newBase(def, deps), typ: typ, http: deps.HTTP, sleep: sleepCtx, now: time.Now}, nil
}

func (j *JoeSandbox) InputType() config.InputType { return j.typ }

func (j *JoeSandbox) DefaultTimeout() time.Duration { return joeDefaultTimeout }

func (j *JoeSandbox) Prepare(req plugins.ExecutionRequest) error {
	if err := req.Params.Require("api_key"); err != nil {
		return faults.Wrap(faults.KindInvalidRequest, "joe sandbox", err)
	}
	if _, err := url.Parse(req.Params.String("url", joeDefaultURL)); err != nil {
		return faults.Wrap(faults.KindInvalidRequest, "joe sandbox url", err)
	}
	if j.typ == config.InputObservable {
		switch req.Target.Classification {
		case plugins.ClassificationURL, plugins.ClassificationDomain:
		default:
			return faults.New(faults.KindInvalidRequest, "joe sandbox analyzes url and domain observables only")
		}
	}
	return nil
}

// HealthCheck pings server/online with the definition's own credentials.
func (j *JoeSandbox) HealthCheck(ctx context.Context) error {
	params := j.def.Resolve(nil, os.LookupEnv)
	if !params.Has("api_key") {
		return errors.New("api_key is not configured")
	}
	return j.client(params).call(ctx, "v2/server/online", nil, nil)
}

func (j *JoeSandbox) client(params config.Params) *joeClient {
	return &joeClient{
		base:   strings.TrimRight(params.String("url", joeDefaultURL), "/"),
		apiKey: params.String("api_key", ""),
		http:   j.http,
	}
}

func (j *JoeSandbox) Invoke(ctx context.Context, req plugins.ExecutionRequest, _ plugins.Resources) (*plugins.RawOutput, error) {
	c := j.client(req.Params)
	log := j.logger.With().Str("target", req.Target.Identity()).Logger()

	if !req.Params.Bool("force_new_analysis", false) {
		query := req.Target.MD5
		if j.typ == config.InputObservable {
			query = req.Target.Observable
		}
		webid, err := c.search(ctx, query)
		if err != nil {
			return nil, err
		}
		if webid != "" {
			log.Info().Str("webid", webid).Msg("reusing existing analysis")
			return c.analysisInfo(ctx, webid)
		}
	}

	form := map[string]string{"accept-tac": "1"}
	if sys := req.Params.String("system_to_use", ""); sys != "" {
		form["systems"] = sys
	}
	var file *fileField
	if j.typ == config.InputFile {
		file = &fileField{name: "sample", filename: req.Target.Filename, path: req.Target.Path}
	} else if req.Params.Bool("sample_at_url", false) {
		form["sample-url"] = req.Target.Observable
	} else {
		form["url"] = req.Target.Observable
	}
	submissionID, err := c.submit(ctx, form, file)
	if err != nil {
		return nil, err
	}
	log.Info().Str("submission_id", submissionID).Msg("submitted new analysis")

	webid, err := j.waitFinished(ctx, c, submissionID,
		req.Params.Duration("polling_duration", joeDefaultPollDuration),
		req.Params.Duration("poll_interval", joeDefaultPollInterval))
	if err != nil {
		return nil, err
	}
	return c.analysisInfo(ctx, webid)
}

// waitFinished polls the submission until it is finished and returns the
// most relevant analysis id.
func (j *JoeSandbox) waitFinished(ctx context.Context, c *joeClient, submissionID string, budget, interval time.Duration) (string, error) {
	deadline := j.now().Add(budget)
	for {
		info, err := c.submissionInfo(ctx, submissionID)
		if err != nil {
			return "", err
		}
		if info.Status == "finished" {
			if info.MostRelevant.WebID != "" {
				return info.MostRelevant.WebID, nil
			}
			if len(info.Analyses) > 0 {
				return info.Analyses[0].WebID, nil
			}
			return "", faults.New(faults.KindExecutionFailed, "submission "+submissionID+" finished without analyses")
		}
		if j.now().Add(interval).After(deadline) {
			return "", faults.New(faults.KindExecutionTimeout,
				fmt.Sprintf("submission %s still %s after %s", submissionID, info.Status, budget))
		}
		if err := j.sleep(ctx, interval); err != nil {
			return "", faults.Wrap(faults.KindExecutionFailed, "polling cancelled", err)
		}
	}
}

func (j *JoeSandbox) Normalize(_ context.Context, _ plugins.ExecutionRequest, raw *plugins.RawOutput) (any, error) {
	return normalize.Sandbox(raw.Data)
}

type joeClient struct {
	base   string
	apiKey string
	http   *invoker.HTTPClient
}

type fileField struct {
	name, filename, path string
}

type joeEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type joeSubmissionInfo struct {
	Status       string `json:"status"`
	MostRelevant struct {
		WebID string `json:"webid"`
	} `json:"most_relevant_analysis"`
	Analyses []struct {
		WebID string `json:"webid"`
	} `json:"analyses"`
}

// call posts a form to the v2 API and decodes the "data" member into out.
func (c *joeClient) call(ctx context.Context, endpoint string, form map[string]string, file *fileField, out ...any) error {
	body, contentType, err := encodeForm(c.apiKey, form, file)
	if err != nil {
		return faults.Wrap(faults.KindExecutionFailed, "build joe sandbox request", err)
	}
	resp, err := c.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", contentType)
		return r, nil
	})
	if err != nil {
		return invoker.ClassifyHTTP(err, "joe sandbox "+endpoint)
	}

	var env joeEnvelope
	if jerr := json.Unmarshal(resp.Body, &env); jerr != nil && resp.StatusCode == http.StatusOK {
		return faults.Wrap(faults.KindExecutionFailed, "decode joe sandbox "+endpoint, jerr)
	}
	if resp.StatusCode != http.StatusOK || len(env.Errors) > 0 {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if len(env.Errors) > 0 {
			msg = env.Errors[0].Message
		}
		return faults.New(faults.KindExecutionFailed, "joe sandbox "+endpoint+": "+msg)
	}
	for _, o := range out {
		if raw, ok := o.(*json.RawMessage); ok {
			*raw = env.Data
			continue
		}
		if err := json.Unmarshal(env.Data, o); err != nil {
			return faults.Wrap(faults.KindExecutionFailed, "decode joe sandbox "+endpoint+" data", err)
		}
	}
	return nil
}

func (c *joeClient) search(ctx context.Context, query string) (string, error) {
	var hits []struct {
		WebID string `json:"webid"`
	}
	if err := c.call(ctx, "v2/analysis/search", map[string]string{"q": query}, nil, &hits); err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "", nil
	}
	return hits[0].WebID, nil
}

func (c *joeClient) submit(ctx context.Context, form map[string]string, file *fileField) (string, error) {
	var data struct {
		SubmissionID string `json:"submission_id"`
	}
	if err := c.call(ctx, "v2/submission/new", form, file, &data); err != nil {
		return "", err
	}
	if data.SubmissionID == "" {
		return "", faults.New(faults.KindExecutionFailed, "joe sandbox returned no submission id")
	}
	return data.SubmissionID, nil
}

func (c *joeClient) submissionInfo(ctx context.Context, id string) (*joeSubmissionInfo, error) {
	var info joeSubmissionInfo
	if err := c.call(ctx, "v2/submission/info", map[string]string{"submission_id": id}, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *joeClient) analysisInfo(ctx context.Context, webid string) (*plugins.RawOutput, error) {
	var data json.RawMessage
	if err := c.call(ctx, "v2/analysis/info", map[string]string{"webid": webid}, nil, &data); err != nil {
		return nil, err
	}
	return &plugins.RawOutput{Data: data, Meta: map[string]string{"webid": webid}}, nil
}

// encodeForm builds a multipart body. The whole body is buffered so retries
// can replay it.
func encodeForm(apiKey string, form map[string]string, file *fileField) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("apikey", apiKey); err != nil {
		return nil, "", err
	}
	for k, v := range form {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if file != nil {
		f, err := os.Open(file.path)
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		part, err := w.CreateFormFile(file.name, file.filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
