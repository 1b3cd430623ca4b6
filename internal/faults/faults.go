// Package faults defines the failure taxonomy shared by every stage of a
// plugin run. Each error carries the kind of failure, the phase it happened
// in and the identity of the target being analyzed.
package faults

import (
	"encoding/json"
	"errors"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindResourceUpdateFailed Kind = "resource_update_failed"
	KindInstallFailed        Kind = "install_failed"
	KindExecutionTimeout     Kind = "execution_timeout"
	KindExecutionFailed      Kind = "execution_failed"
	KindNormalizationFailed  Kind = "normalization_failed"
	KindResourceUnavailable  Kind = "resource_unavailable"
	KindInvalidRequest       Kind = "invalid_request"
	KindRegistry             Kind = "registry_unreachable"
)

// Phase names the orchestrator state a failure was raised from.
type Phase string

const (
	PhaseInit         Phase = "init"
	PhaseVersionCheck Phase = "version_check"
	PhaseRefresh      Phase = "refresh_resource"
	PhaseInvoke       Phase = "invoke"
	PhaseNormalize    Phase = "normalize"
)

// Sentinels usable with errors.Is. Matching is by kind only.
var (
	ErrResourceUpdateFailed = &Error{Kind: KindResourceUpdateFailed}
	ErrInstallFailed        = &Error{Kind: KindInstallFailed}
	ErrExecutionTimeout     = &Error{Kind: KindExecutionTimeout}
	ErrExecutionFailed      = &Error{Kind: KindExecutionFailed}
	ErrNormalizationFailed  = &Error{Kind: KindNormalizationFailed}
	ErrResourceUnavailable  = &Error{Kind: KindResourceUnavailable}
	ErrInvalidRequest       = &Error{Kind: KindInvalidRequest}
	ErrRegistry             = &Error{Kind: KindRegistry}
)

// Error is a classified failure.
type Error struct {
	Kind    Kind   `json:"kind"`
	Phase   Phase  `json:"phase,omitempty"`
	Plugin  string `json:"plugin,omitempty"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// New returns an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an error of the given kind caused by err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Phase != "" {
		b.WriteString(string(e.Phase))
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Plugin != "" || e.Target != "" {
		b.WriteString(" (")
		if e.Plugin != "" {
			b.WriteString("plugin=")
			b.WriteString(e.Plugin)
		}
		if e.Target != "" {
			if e.Plugin != "" {
				b.WriteString(", ")
			}
			b.WriteString("target=")
			b.WriteString(e.Target)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Cause returns the human-readable cause text, or an empty string.
func (e *Error) Cause() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// MarshalJSON renders the error with its cause text under "cause".
func (e *Error) MarshalJSON() ([]byte, error) {
	type plain Error
	return json.Marshal(struct {
		*plain
		Cause string `json:"cause,omitempty"`
	}{plain: (*plain)(e), Cause: e.Cause()})
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Tag returns a copy of err annotated with phase, plugin and target. When err
// is not already classified it is wrapped with fallback.
func Tag(err error, fallback Kind, phase Phase, plugin, target string) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		tagged := *fe
		if tagged.Phase == "" {
			tagged.Phase = phase
		}
		if tagged.Plugin == "" {
			tagged.Plugin = plugin
		}
		if tagged.Target == "" {
			tagged.Target = target
		}
		return &tagged
	}
	return &Error{Kind: fallback, Phase: phase, Plugin: plugin, Target: target, Message: "unclassified failure", Err: err}
}

// Retryable reports whether the failure is transient from the orchestrator's
// point of view. Scheduling layers use it to decide on a re-run.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindResourceUpdateFailed, KindRegistry, KindExecutionTimeout, KindResourceUnavailable:
		return true
	}
	return false
}
