package normalize

import (
	"sort"
	"strings"

	whoisparser "github.com/likexian/whois-parser"

	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

// WhoisReport is a normalized whois record.
type WhoisReport struct {
	Domain         string   `json:"domain"`
	Registrar      string   `json:"registrar,omitempty"`
	Registrant     string   `json:"registrant,omitempty"`
	Organization   string   `json:"organization,omitempty"`
	CreatedDate    string   `json:"created_date,omitempty"`
	UpdatedDate    string   `json:"updated_date,omitempty"`
	ExpirationDate string   `json:"expiration_date,omitempty"`
	NameServers    []string `json:"name_servers"`
	Status         []string `json:"status,omitempty"`
	Emails         []string `json:"emails"`
}

// Whois parses raw whois text.
func Whois(domain, raw string) (*WhoisReport, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, faults.New(faults.KindNormalizationFailed, "empty whois response")
	}
	info, err := whoisparser.Parse(raw)
	if err != nil {
		return nil, faults.Wrap(faults.KindNormalizationFailed, "parse whois response", err)
	}

	report := &WhoisReport{Domain: domain, NameServers: []string{}, Emails: []string{}}
	if d := info.Domain; d != nil {
		if d.Domain != "" {
			report.Domain = d.Domain
		}
		report.CreatedDate = d.CreatedDate
		report.UpdatedDate = d.UpdatedDate
		report.ExpirationDate = d.ExpirationDate
		report.Status = d.Status
		for _, ns := range d.NameServers {
			report.NameServers = append(report.NameServers, strings.ToLower(ns))
		}
	}
	if r := info.Registrar; r != nil {
		report.Registrar = firstNonEmpty(r.Name, r.Organization)
	}
	if r := info.Registrant; r != nil {
		report.Registrant = r.Name
		report.Organization = r.Organization
	}

	seen := map[string]bool{}
	for _, c := range []*whoisparser.Contact{info.Registrar, info.Registrant, info.Administrative, info.Technical} {
		if c == nil || c.Email == "" {
			continue
		}
		e := strings.ToLower(c.Email)
		if !seen[e] {
			seen[e] = true
			report.Emails = append(report.Emails, e)
		}
	}
	sort.Strings(report.Emails)
	return report, nil
}
