package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

// ServiceRequest is the body posted to a tool service endpoint.
type ServiceRequest struct {
	Args            []string       `json:"args"`
	Timeout         int            `json:"timeout"`
	CallbackContext map[string]any `json:"callback_context,omitempty"`
}

type serviceAccepted struct {
	Key    string          `json:"key"`
	Status string          `json:"status"`
	Report json.RawMessage `json:"report"`
	Error  string          `json:"error"`
}

type servicePoll struct {
	Key    string          `json:"key"`
	Status string          `json:"status"`
	Report json.RawMessage `json:"report"`
	Error  string          `json:"error"`
}

// Service talks to a network-isolated tool container: a request is posted,
// the service answers with a key and the report is polled until it is ready.
type Service struct {
	URL          string
	PollInterval time.Duration
	MaxTries     int

	client *HTTPClient
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewService returns a client for the tool endpoint at serviceURL.
func NewService(serviceURL string, client *HTTPClient, logger zerolog.Logger) *Service {
	return &Service{
		URL:          strings.TrimRight(serviceURL, "/"),
		PollInterval: 10 * time.Second,
		MaxTries:     60,
		client:       client,
		logger:       logger,
		sleep:        sleepContext,
	}
}

// Run posts req and returns the raw report once the job succeeds.
func (s *Service) Run(ctx context.Context, req ServiceRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindExecutionFailed, "encode service request", err)
	}
	resp, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	})
	if err != nil {
		return nil, ClassifyHTTP(err, "tool service submit")
	}

	var accepted serviceAccepted
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		if err := json.Unmarshal(resp.Body, &accepted); err != nil {
			return nil, faults.Wrap(faults.KindExecutionFailed, "decode tool service response", err)
		}
	default:
		return nil, faults.New(faults.KindExecutionFailed,
			fmt.Sprintf("tool service returned %d: %s", resp.StatusCode, snippet(resp.Body)))
	}
	if resp.StatusCode == http.StatusOK && len(accepted.Report) > 0 {
		return accepted.Report, nil
	}
	if accepted.Key == "" {
		return nil, faults.New(faults.KindExecutionFailed, "tool service accepted request without a key")
	}
	return s.poll(ctx, accepted.Key)
}

func (s *Service) poll(ctx context.Context, key string) (json.RawMessage, error) {
	pollURL := s.URL + "?key=" + url.QueryEscape(key)
	for try := 0; try < s.MaxTries; try++ {
		if err := s.sleep(ctx, s.PollInterval); err != nil {
			return nil, faults.Wrap(faults.KindExecutionFailed, "polling cancelled", err)
		}
		resp, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
		})
		if err != nil {
			return nil, ClassifyHTTP(err, "tool service poll")
		}
		if resp.StatusCode >= 400 {
			return nil, faults.New(faults.KindExecutionFailed,
				fmt.Sprintf("tool service poll returned %d: %s", resp.StatusCode, snippet(resp.Body)))
		}
		var p servicePoll
		if err := json.Unmarshal(resp.Body, &p); err != nil {
			return nil, faults.Wrap(faults.KindExecutionFailed, "decode tool service poll", err)
		}
		s.logger.Debug().Str("key", key).Str("status", p.Status).Int("try", try+1).Msg("polled tool service")
		switch strings.ToLower(p.Status) {
		case "success":
			return p.Report, nil
		case "failed":
			msg := p.Error
			if msg == "" {
				msg = snippet(p.Report)
			}
			return nil, faults.New(faults.KindExecutionFailed, "tool service job failed: "+msg)
		}
	}
	return nil, faults.New(faults.KindExecutionTimeout,
		fmt.Sprintf("tool service job %s not finished after %d polls", key, s.MaxTries))
}

// HealthCheck probes GET <url>/health.
func (s *Service) HealthCheck(ctx context.Context) error {
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("invalid service url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/health"
	resp, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// ClassifyHTTP maps an HTTPClient error to the failure taxonomy: exhausted
// attempts whose last try timed out are ExecutionTimeout, anything else is
// ExecutionFailed.
func ClassifyHTTP(err error, what string) error {
	var ee *ExhaustedError
	if errors.As(err, &ee) && ee.Timeout {
		return faults.Wrap(faults.KindExecutionTimeout, what+" timed out", err)
	}
	return faults.Wrap(faults.KindExecutionFailed, what+" failed", err)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}
