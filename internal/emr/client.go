// Package emr is the HTTP client for the patient record source.
//
// The upstream API has two quirks this client absorbs so nothing else has
// to know about them: authentication is a two-key OAuth exchange (api key +
// secret for a short-lived bearer token), and list endpoints return records
// in bulk for all patients, so every response is filtered by patient id
// client-side before it leaves this package.
package emr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/karte/internal/model"
)

// RecordKind names one list endpoint of the record source.
type RecordKind string

const (
	KindCarePlans    RecordKind = "care_plans"
	KindMedications  RecordKind = "medications"
	KindNotes        RecordKind = "notes"
	KindAllergies    RecordKind = "allergies"
	KindConditions   RecordKind = "conditions"
	KindVitals       RecordKind = "vitals"
	KindLabs         RecordKind = "labs"
	KindAppointments RecordKind = "appointments"
	KindDocuments    RecordKind = "documents"
	KindTasks        RecordKind = "tasks"
)

// allKinds is the fetch set for a full patient pull, in bundle order.
var allKinds = []RecordKind{
	KindCarePlans, KindMedications, KindNotes, KindAllergies, KindConditions,
	KindVitals, KindLabs, KindAppointments, KindDocuments, KindTasks,
}

// maxConcurrentFetches bounds parallel record-kind requests during a full
// patient pull.
const maxConcurrentFetches = 4

// tokenSkew renews the bearer token this long before its actual expiry.
const tokenSkew = 30 * time.Second

// FetchOptions narrow a single-kind fetch. Zero values mean no constraint.
type FetchOptions struct {
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// Client talks to the record source.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a record source client. The two keys drive the OAuth
// token exchange; the bearer token is cached until shortly before expiry.
func NewClient(baseURL, apiKey, apiSecret string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("component", "emr"),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// bearerToken returns a valid bearer token, exchanging the key pair for a
// fresh one when the cached token is missing or near expiry.
func (c *Client) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenSkew)) {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"client_id":     c.apiKey,
		"client_secret": c.apiSecret,
		"grant_type":    "client_credentials",
	})
	if err != nil {
		return "", fmt.Errorf("emr: marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("emr: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", model.WrapErr(model.KindRecordSource, "emr: token exchange", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", model.Errorf(model.KindRecordSource, "emr: token exchange status %d: %s", resp.StatusCode, string(raw))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", model.WrapErr(model.KindRecordSource, "emr: decode token response", err)
	}
	if tok.AccessToken == "" {
		return "", model.Errorf(model.KindRecordSource, "emr: empty access token")
	}

	c.token = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.token, nil
}

// Fetch pulls one record kind and filters it to the requested patient.
// From/To bound the records' date field inclusively; Limit/Offset page the
// already-filtered list, so pagination is stable regardless of how much
// foreign-patient bulk the server returned.
func (c *Client) Fetch(ctx context.Context, kind RecordKind, patientID string, opts FetchOptions) ([]map[string]any, error) {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("patient", patientID)
	if opts.From != nil {
		q.Set("date__gte", opts.From.Format("2006-01-02"))
	}
	if opts.To != nil {
		q.Set("date__lte", opts.To.Format("2006-01-02"))
	}

	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, kind, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("emr: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.WrapErr(model.KindRecordSource, fmt.Sprintf("emr: fetch %s", kind), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		// Token may have been revoked server-side; drop the cache so the
		// next call re-exchanges.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return nil, model.Errorf(model.KindRecordSource, "emr: fetch %s: unauthorized", kind)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, model.Errorf(model.KindRecordSource, "emr: fetch %s: status %d: %s", kind, resp.StatusCode, string(raw))
	}

	records, err := decodeRecordList(resp.Body)
	if err != nil {
		return nil, model.WrapErr(model.KindRecordSource, fmt.Sprintf("emr: decode %s", kind), err)
	}

	filtered := filterByPatient(records, patientID)
	if dropped := len(records) - len(filtered); dropped > 0 {
		c.logger.Debug("dropped foreign-patient records", "kind", string(kind), "dropped", dropped)
	}

	return page(filtered, opts.Limit, opts.Offset), nil
}

// GetAll pulls every record kind for a patient concurrently, bounded by a
// semaphore. All fetches must succeed; the first failure aborts the pull.
func (c *Client) GetAll(ctx context.Context, patientID string) (model.PatientBundle, error) {
	results := make([][]map[string]any, len(allKinds))
	errs := make([]error, len(allKinds))

	sem := semaphore.NewWeighted(maxConcurrentFetches)
	var wg sync.WaitGroup
	for i, kind := range allKinds {
		wg.Add(1)
		go func(idx int, k RecordKind) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				errs[idx] = err
				return
			}
			defer sem.Release(1)
			results[idx], errs[idx] = c.Fetch(ctx, k, patientID, FetchOptions{})
		}(i, kind)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return model.PatientBundle{}, err
		}
	}

	return model.PatientBundle{
		CarePlans:    results[0],
		Medications:  results[1],
		Notes:        results[2],
		Allergies:    results[3],
		Conditions:   results[4],
		Vitals:       results[5],
		Labs:         results[6],
		Appointments: results[7],
		Documents:    results[8],
		Tasks:        results[9],
	}, nil
}

// decodeRecordList accepts either a bare JSON array or the {"results": [...]}
// envelope some deployments return.
func decodeRecordList(r io.Reader) ([]map[string]any, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Results, nil
}

// filterByPatient keeps records attributed to the patient. Records with no
// recognizable patient field are dropped rather than leaked.
func filterByPatient(records []map[string]any, patientID string) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		if recordPatientID(rec) == patientID {
			out = append(out, rec)
		}
	}
	return out
}

func recordPatientID(rec map[string]any) string {
	for _, key := range []string{"patient", "patient_id"} {
		switch v := rec[key].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case map[string]any:
			if id, ok := v["id"].(string); ok {
				return id
			}
			if id, ok := v["id"].(float64); ok {
				return strconv.FormatInt(int64(id), 10)
			}
		}
	}
	return ""
}

func page(records []map[string]any, limit, offset int) []map[string]any {
	if offset > 0 {
		if offset >= len(records) {
			return []map[string]any{}
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}
