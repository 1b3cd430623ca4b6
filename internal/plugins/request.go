package plugins

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

// Observable classifications accepted by observable plugins.
const (
	ClassificationIP      = "ip"
	ClassificationURL     = "url"
	ClassificationDomain  = "domain"
	ClassificationHash    = "hash"
	ClassificationGeneric = "generic"
)

var classifications = map[string]bool{
	ClassificationIP:      true,
	ClassificationURL:     true,
	ClassificationDomain:  true,
	ClassificationHash:    true,
	ClassificationGeneric: true,
}

// Target is the thing being analyzed: a file on disk or an observable.
type Target struct {
	Type           config.InputType `json:"type"`
	Path           string           `json:"path,omitempty"`
	Filename       string           `json:"filename,omitempty"`
	MD5            string           `json:"md5,omitempty"`
	SHA256         string           `json:"sha256,omitempty"`
	Observable     string           `json:"observable,omitempty"`
	Classification string           `json:"classification,omitempty"`
}

// FileTarget hashes the file at path.
func FileTarget(path string) (Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return Target{}, faults.Wrap(faults.KindInvalidRequest, "open target file", err)
	}
	defer f.Close()

	m, s := md5.New(), sha256.New()
	if _, err := io.Copy(io.MultiWriter(m, s), f); err != nil {
		return Target{}, faults.Wrap(faults.KindInvalidRequest, "hash target file", err)
	}
	return Target{
		Type:     config.InputFile,
		Path:     path,
		Filename: filepath.Base(path),
		MD5:      hex.EncodeToString(m.Sum(nil)),
		SHA256:   hex.EncodeToString(s.Sum(nil)),
	}, nil
}

// ObservableTarget builds an observable target. The classification is
// lower-cased.
func ObservableTarget(value, classification string) Target {
	return Target{
		Type:           config.InputObservable,
		Observable:     strings.TrimSpace(value),
		Classification: strings.ToLower(strings.TrimSpace(classification)),
	}
}

// Identity is the value failures are tagged with: the file md5 (falling back
// to sha256, then path) or the observable value.
func (t Target) Identity() string {
	if t.Type == config.InputObservable {
		return t.Observable
	}
	switch {
	case t.MD5 != "":
		return t.MD5
	case t.SHA256 != "":
		return t.SHA256
	default:
		return t.Path
	}
}

// Validate checks the target is usable on its own.
func (t Target) Validate() error {
	switch t.Type {
	case config.InputFile:
		if t.Path == "" {
			return errors.New("file target without path")
		}
	case config.InputObservable:
		if t.Observable == "" {
			return errors.New("observable target without value")
		}
		if !classifications[t.Classification] {
			return fmt.Errorf("unknown observable classification %q", t.Classification)
		}
	default:
		return fmt.Errorf("unknown target type %q", t.Type)
	}
	return nil
}

// ExecutionRequest is the input to one plugin run. The runtime builds it once
// and passes it by value, so plugins cannot change it for later phases.
type ExecutionRequest struct {
	RunID   string
	Plugin  string
	Target  Target
	Params  config.Params
	Timeout time.Duration
}

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ExecutionResult is the outcome of one run. Exactly one of Report and Error
// is set.
type ExecutionResult struct {
	RunID            string            `json:"run_id"`
	Plugin           string            `json:"plugin"`
	Target           string            `json:"target"`
	Status           string            `json:"status"`
	Report           any               `json:"report,omitempty"`
	Error            *faults.Error     `json:"error,omitempty"`
	Stale            bool              `json:"stale_resources,omitempty"`
	ResourceVersions map[string]string `json:"resource_versions,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	Duration         time.Duration     `json:"duration"`
}

// Failed reports whether the run ended in an error.
func (r *ExecutionResult) Failed() bool {
	return r.Error != nil
}

// Err returns the failure as an error, or nil on success.
func (r *ExecutionResult) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

func (r *ExecutionResult) succeed(report any) {
	r.Report = report
	r.Error = nil
	r.Status = StatusSuccess
}

func (r *ExecutionResult) fail(err *faults.Error) {
	r.Report = nil
	r.Error = err
	r.Status = StatusFailed
}
