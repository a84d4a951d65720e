// Package analysis is the client for the external clinical AI analysis
// service. The consultation engine only sees the Client interface.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned by the disabled client.
var ErrNotConfigured = errors.New("analysis service not configured")

// Analysis types accepted by the service.
const (
	TypeFull          = "full"
	TypeDocumentsOnly = "documents_only"
	TypeNotesOnly     = "notes_only"
	TypeQuick         = "quick"
)

type Request struct {
	ConsultationID     string   `json:"consultation_id"`
	AppointmentID      string   `json:"appointment_id"`
	PatientID          string   `json:"patient_id"`
	AnalysisType       string   `json:"analysis_type"`
	IncludeDocuments   bool     `json:"include_documents"`
	IncludeDoctorNotes bool     `json:"include_doctor_notes"`
	IncludeHistory     bool     `json:"include_history"`
	FocusAreas         []string `json:"focus_areas,omitempty"`
	ChiefComplaint     string   `json:"chief_complaint,omitempty"`
	DoctorNotes        string   `json:"doctor_notes,omitempty"`
}

type Suggestion struct {
	Name    string `json:"name"`
	Reason  string `json:"reason"`
	Urgency string `json:"urgency,omitempty"`
}

type Result struct {
	ExecutiveSummary         string       `json:"executive_summary"`
	DetailedAnalysis         string       `json:"detailed_analysis"`
	ConfidenceScore          float64      `json:"confidence_score"`
	AnomaliesDetected        []string     `json:"anomalies_detected"`
	Inconsistencies          []string     `json:"inconsistencies"`
	TestSuggestions          []Suggestion `json:"test_suggestions"`
	MedicationSuggestions    []Suggestion `json:"medication_suggestions"`
	LifestyleRecommendations []string     `json:"lifestyle_recommendations"`
	ModelVersion             string       `json:"model_version"`
	TokensUsed               int          `json:"tokens_used"`
}

type Client interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
}

// HTTPClient posts requests to {baseURL}/analyze.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Analyze(ctx context.Context, req Request) (*Result, error) {
	if req.AnalysisType == "" {
		req.AnalysisType = TypeFull
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call analysis service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("analysis service returned status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	if result.ConfidenceScore < 0 {
		result.ConfidenceScore = 0
	} else if result.ConfidenceScore > 1 {
		result.ConfidenceScore = 1
	}
	return &result, nil
}

type disabled struct{}

func (disabled) Analyze(context.Context, Request) (*Result, error) { return nil, ErrNotConfigured }

// Disabled returns a Client that always fails with ErrNotConfigured.
func Disabled() Client { return disabled{} }
