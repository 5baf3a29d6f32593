package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/orientinsight/bookingmail/internal/model"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 4096
	defaultAPIURL    = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
)

// ServiceClient calls the content-extraction service (the Claude Messages
// API) for inline tables and scanned documents.
type ServiceClient struct {
	apiURL    string
	apiKey    string
	model     string
	maxTokens int
	timeout   time.Duration
	client    *http.Client
	cb        *gobreaker.CircuitBreaker
	log       *zap.Logger
}

// NewServiceClient creates a ServiceClient from config.
func NewServiceClient(cfg model.ExtractionConfig, apiKey string, log *zap.Logger) *ServiceClient {
	s := &ServiceClient{
		apiURL:    cfg.APIURL,
		apiKey:    apiKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		client:    &http.Client{},
		log:       log.Named("extraction"),
	}
	if s.apiURL == "" {
		s.apiURL = defaultAPIURL
	}
	if s.model == "" {
		s.model = defaultModel
	}
	if s.maxTokens <= 0 {
		s.maxTokens = defaultMaxTokens
	}
	if s.timeout <= 0 {
		s.timeout = 90 * time.Second
	}

	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "extraction-api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Refusals of one document say nothing about service health.
		IsSuccessful: func(err error) bool {
			var extErr *ExtractionError
			if errors.As(err, &extErr) {
				return !extErr.Retryable
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return s
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type   string     `json:"type"`
	Text   string     `json:"text,omitempty"`
	Source *apiSource `json:"source,omitempty"`
}

type apiSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Extract sends one artifact to the service and decodes the reply.
func (s *ServiceClient) Extract(ctx context.Context, raw []byte, kind model.ArtifactKind) (Result, error) {
	block, err := contentBlock(raw, kind)
	if err != nil {
		return SchemaError{Reason: err.Error(), Retryable: false}, nil
	}

	req := apiRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		System:    systemPrompt(kind),
		Messages: []apiMessage{{
			Role: "user",
			Content: []apiContentBlock{
				block,
				{Type: "text", Text: "Extract the bookings. Reply with the JSON object only."},
			},
		}},
	}

	out, err := s.cb.Execute(func() (interface{}, error) {
		return s.call(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &ExtractionError{Op: "call", Retryable: true, Err: err}
	}
	if err != nil {
		return nil, err
	}

	resp := out.(*apiResponse)
	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if resp.StopReason == "max_tokens" {
		return SchemaError{Reason: "response truncated at max_tokens", Retryable: true}, nil
	}

	return decodePayload(text.String(), kind), nil
}

// call makes a single request to the Messages API.
func (s *ServiceClient) call(ctx context.Context, reqBody apiRequest) (*apiResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ExtractionError{Op: "encode", Retryable: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &ExtractionError{Op: "request", Retryable: false, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", s.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &ExtractionError{Op: "call", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ExtractionError{Op: "read", Retryable: true, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return nil, &ExtractionError{
			Op:        "call",
			Retryable: retryableStatus(resp.StatusCode),
			Err:       fmt.Errorf("API error (%d): %s", resp.StatusCode, msg),
		}
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &ExtractionError{Op: "decode", Retryable: true, Err: err}
	}

	return &result, nil
}

// retryableStatus treats everything except malformed or oversized
// requests as transient. Auth failures are retryable because fixing the
// key must not require requeueing every record.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return false
	}
	return true
}

func contentBlock(raw []byte, kind model.ArtifactKind) (apiContentBlock, error) {
	switch kind {
	case model.ArtifactInlineTable:
		table, err := ReduceHTML(string(raw))
		if err != nil {
			return apiContentBlock{}, fmt.Errorf("reducing html: %w", err)
		}
		return apiContentBlock{Type: "text", Text: "Booking table from the email body:\n\n" + table}, nil

	case model.ArtifactImageOrScan:
		mediaType := http.DetectContentType(raw)
		if i := strings.Index(mediaType, ";"); i >= 0 {
			mediaType = mediaType[:i]
		}
		blockType := "image"
		switch mediaType {
		case "application/pdf":
			blockType = "document"
		case "image/png", "image/jpeg", "image/gif", "image/webp":
		default:
			return apiContentBlock{}, fmt.Errorf("unsupported scan media type %s", mediaType)
		}
		return apiContentBlock{
			Type: blockType,
			Source: &apiSource{
				Type:      "base64",
				MediaType: mediaType,
				Data:      base64.StdEncoding.EncodeToString(raw),
			},
		}, nil
	}

	return apiContentBlock{}, fmt.Errorf("kind %s is not handled by the extraction service", kind)
}

func systemPrompt(kind model.ArtifactKind) string {
	var sb strings.Builder

	sb.WriteString("You extract tour bookings for an inbound tour operator. ")
	sb.WriteString("Booking codes look like 26CO-USB07: two-digit year, ")
	sb.WriteString("classification letters, a dash and a group code.\n\n")

	sb.WriteString("Reply with exactly one JSON object and nothing else:\n")
	sb.WriteString(`{"version":1,"bookings":[{"booking_code":"26CO-USB07",`)
	sb.WriteString(`"start_date":"YYYY-MM-DD","end_date":"YYYY-MM-DD",`)
	sb.WriteString(`"adults":2,"children":0,"arrival_flight":"HY 602",`)
	sb.WriteString(`"departure_flight":"HY 601","transport":"BUS-3"}]}`)
	sb.WriteString("\nUse null for values the document does not state. ")
	sb.WriteString(`If the document contains no bookings reply {"version":1,"bookings":[]}. `)
	sb.WriteString(`If the document cannot be read reply {"error":"<reason>"}.`)

	if kind == model.ArtifactImageOrScan {
		sb.WriteString("\nEvery booking in a scan must have a start_date.")
	}

	return sb.String()
}
