package normalize

import (
	"bytes"
	"encoding/json"

	"github.com/spf13/cast"

	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

// SandboxRun is the verdict of one analysis system.
type SandboxRun struct {
	System    string `json:"system"`
	Detection string `json:"detection"`
	Score     int    `json:"score"`
	Error     string `json:"error,omitempty"`
}

// SandboxRecord is one normalized sandbox analysis.
type SandboxRecord struct {
	AnalysisID     string         `json:"analysis_id"`
	Status         string         `json:"status"`
	Detection      string         `json:"detection"`
	Score          int            `json:"score"`
	Classification string         `json:"classification,omitempty"`
	ThreatName     string         `json:"threat_name,omitempty"`
	Filename       string         `json:"filename,omitempty"`
	MD5            string         `json:"md5,omitempty"`
	SHA256         string         `json:"sha256,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Runs           []SandboxRun   `json:"runs"`
	Raw            map[string]any `json:"raw"`
}

// SandboxReport groups analyses by their identifier.
type SandboxReport struct {
	AnalysisID string                   `json:"analysis_id"`
	Analyses   map[string]SandboxRecord `json:"analyses"`
}

// Sandbox normalizes one analysis info object, or a list of them. The web id
// identifies an analysis; the first record is the primary one.
func Sandbox(raw []byte) (*SandboxReport, error) {
	raw = bytes.TrimSpace(raw)
	var objs []map[string]any
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &objs); err != nil {
			return nil, faults.Wrap(faults.KindNormalizationFailed, "decode sandbox analyses", err)
		}
	} else {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, faults.Wrap(faults.KindNormalizationFailed, "decode sandbox analysis", err)
		}
		objs = append(objs, obj)
	}
	if len(objs) == 0 {
		return nil, faults.New(faults.KindNormalizationFailed, "sandbox returned no analyses")
	}

	report := &SandboxReport{Analyses: make(map[string]SandboxRecord, len(objs))}
	for i, obj := range objs {
		rec, err := sandboxRecord(obj)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			report.AnalysisID = rec.AnalysisID
		}
		report.Analyses[rec.AnalysisID] = rec
	}
	return report, nil
}

func sandboxRecord(obj map[string]any) (SandboxRecord, error) {
	id := cast.ToString(obj["webid"])
	if id == "" {
		id = cast.ToString(obj["analysisid"])
	}
	if id == "" {
		return SandboxRecord{}, faults.New(faults.KindNormalizationFailed, "sandbox analysis without webid")
	}
	rec := SandboxRecord{
		AnalysisID:     id,
		Status:         cast.ToString(obj["status"]),
		Detection:      cast.ToString(obj["detection"]),
		Score:          cast.ToInt(obj["score"]),
		Classification: cast.ToString(obj["classification"]),
		ThreatName:     cast.ToString(obj["threatname"]),
		Filename:       cast.ToString(obj["filename"]),
		MD5:            cast.ToString(obj["md5"]),
		SHA256:         cast.ToString(obj["sha256"]),
		Tags:           cast.ToStringSlice(obj["tags"]),
		Runs:           []SandboxRun{},
		Raw:            obj,
	}
	if runs, ok := obj["runs"].([]any); ok {
		for _, r := range runs {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}
			rec.Runs = append(rec.Runs, SandboxRun{
				System:    cast.ToString(m["system"]),
				Detection: cast.ToString(m["detection"]),
				Score:     cast.ToInt(m["score"]),
				Error:     cast.ToString(m["error"]),
			})
		}
	}
	return rec, nil
}
