package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kalambet/cuc/internal/learning"
)

// CorrectionRequest is the body of POST /corrections. An empty Type is
// inferred from ErrorMessage.
type CorrectionRequest struct {
	Query            string `json:"query"`
	IncorrectCommand string `json:"incorrect_command"`
	CorrectCommand   string `json:"correct_command"`
	ErrorMessage     string `json:"error_message"`
	Type             string `json:"type,omitempty"`
}

// correctionType resolves the declared or inferred correction type.
func correctionType(declared, errMsg string) learning.CorrectionType {
	if strings.TrimSpace(declared) == "" {
		return learning.AnalyzeError(errMsg)
	}
	return learning.ParseCorrectionType(declared)
}

func handleAddCorrection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CorrectionRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		typ := correctionType(req.Type, req.ErrorMessage)
		c, err := deps.Learning.AddCorrection(r.Context(), req.Query, req.IncorrectCommand, req.CorrectCommand, req.ErrorMessage, typ)
		if err != nil {
			writeLearningError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func handleLearnedCommand(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if strings.TrimSpace(q) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		cmd, ok := deps.Learning.GetLearnedCommand(q)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no learned correction for %q", q)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"query": q, "command": cmd})
	}
}

type suggestionsRequest struct {
	FailedCommand string `json:"failed_command"`
	ErrorMessage  string `json:"error_message"`
}

func handleSuggestions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req suggestionsRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.FailedCommand == "" && req.ErrorMessage == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed_command or error_message is required")
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{
			"suggestions": deps.Learning.GetSuggestions(req.FailedCommand, req.ErrorMessage),
		})
	}
}

// ClassifyResponse is the body returned by POST /classify.
type ClassifyResponse struct {
	Type          learning.CorrectionType `json:"type"`
	Correctable   bool                    `json:"correctable"`
	FailedCommand string                  `json:"failed_command,omitempty"`
}

type classifyRequest struct {
	ErrorMessage string `json:"error_message"`
}

func classify(errMsg string) ClassifyResponse {
	return ClassifyResponse{
		Type:          learning.AnalyzeError(errMsg),
		Correctable:   learning.IsCorrectableError(errMsg),
		FailedCommand: learning.ExtractFailedCommand(errMsg),
	}
}

func handleClassify(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		writeJSON(w, http.StatusOK, classify(req.ErrorMessage))
	}
}

func handleSimilar(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if strings.TrimSpace(q) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		threshold, err := parseThreshold(r, "threshold", deps.Learning.SimilarityThreshold())
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"query":   q,
			"results": deps.Learning.FindSimilar(q, threshold),
		})
	}
}

// FeedbackRequest is the body of POST /feedback.
type FeedbackRequest struct {
	Query   string `json:"query"`
	Command string `json:"command"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Success bool   `json:"success"`
}

func handleFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FeedbackRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" || strings.TrimSpace(req.Command) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query and command are required")
			return
		}
		err := deps.Learning.AddExecutionFeedback(r.Context(), req.Query, req.Command, req.Stdout, req.Stderr, req.Success)
		if err != nil {
			writeLearningError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "recorded",
			"success_rate": deps.Learning.SuccessRate(req.Command),
		})
	}
}

type retryRequest struct {
	ErrorMessage string `json:"error_message"`
	Command      string `json:"command"`
	Attempt      int    `json:"attempt"`
}

// RetryResponse is the body of POST /retry.
type RetryResponse struct {
	Retry       bool                  `json:"retry"`
	Suggestion  string                `json:"suggestion,omitempty"`
	Strategy    learning.StrategyKind `json:"strategy"`
	MaxAttempts int                   `json:"max_attempts"`
	DelayMs     int64                 `json:"delay_ms"`
	SuccessRate float32               `json:"expected_success_rate"`
}

func handleRetry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retryRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Attempt <= 0 {
			req.Attempt = 1
		}
		s := deps.Learning.AnalyzeFailurePattern(req.ErrorMessage, req.Command)
		msg, ok := deps.Learning.RetrySuggestion(req.ErrorMessage, req.Attempt)
		writeJSON(w, http.StatusOK, RetryResponse{
			Retry:       ok,
			Suggestion:  msg,
			Strategy:    s.Kind,
			MaxAttempts: s.MaxAttempts,
			DelayMs:     s.DelayFor(req.Attempt).Milliseconds(),
			SuccessRate: s.SuccessRate,
		})
	}
}

func writeLearningError(w http.ResponseWriter, err error) {
	var pErr *learning.PersistenceError
	if errors.As(err, &pErr) {
		httpError(w, http.StatusInternalServerError, "storage_error", "%v", err)
		return
	}
	httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
}
