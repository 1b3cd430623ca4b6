package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

// DNSReport is the result of a resolver lookup.
type DNSReport struct {
	Observable  string   `json:"observable"`
	Resolutions []string `json:"resolutions"`
}

type dohResponse struct {
	Status *int `json:"Status"`
	Answer []struct {
		Name string `json:"name"`
		Type int    `json:"type"`
		TTL  int    `json:"TTL"`
		Data string `json:"data"`
	} `json:"Answer"`
}

// DNS parses a JSON DNS-over-HTTPS answer. NXDOMAIN and empty answers yield
// no resolutions; other response codes are failures.
func DNS(observable string, raw []byte) (*DNSReport, error) {
	var resp dohResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, faults.Wrap(faults.KindNormalizationFailed, "decode DoH response", err)
	}
	if resp.Status == nil {
		return nil, faults.New(faults.KindNormalizationFailed, "DoH response without Status")
	}
	// 0 NOERROR, 3 NXDOMAIN
	if *resp.Status != 0 && *resp.Status != 3 {
		return nil, faults.New(faults.KindExecutionFailed, fmt.Sprintf("resolver answered rcode %d", *resp.Status))
	}
	report := &DNSReport{Observable: observable, Resolutions: []string{}}
	for _, a := range resp.Answer {
		if a.Data != "" {
			report.Resolutions = append(report.Resolutions, a.Data)
		}
	}
	return report, nil
}
