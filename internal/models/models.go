// Package models defines the core data structures for SurveyPipe.
//
// It includes conversation records, inbound events, side-effect specifications and the
// API response envelope shared across modules.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxTemplateParams defines the maximum number of body parameters accepted for a template
	MaxTemplateParams = 10
	// MaxTemplateParamLength defines the maximum length of a single template parameter
	MaxTemplateParamLength = 1024
)

// Error variables for request validation
var (
	ErrEmptyRecipient        = errors.New("phone is required")
	ErrEmptyTemplate         = errors.New("template is required")
	ErrTooManyTemplateParams = errors.New("too many template parameters")
	ErrTemplateParamTooLong  = errors.New("template parameter exceeds maximum length")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusIgnored indicates a webhook delivery was acknowledged without processing.
	APIStatusIgnored APIStatus = "ignored"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Ignored creates an acknowledgement for a delivery that was not processed.
func Ignored(reason string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusIgnored).
		WithMessage(reason).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// SendTemplateRequest is the payload of the manual template send endpoint.
type SendTemplateRequest struct {
	Phone    string   `json:"phone"`
	Template string   `json:"template"`
	Params   []string `json:"params,omitempty"`
}

// Validate checks the request before it reaches the messaging channel.
func (r *SendTemplateRequest) Validate() error {
	if strings.TrimSpace(r.Phone) == "" {
		return ErrEmptyRecipient
	}
	if strings.TrimSpace(r.Template) == "" {
		return ErrEmptyTemplate
	}
	if len(r.Params) > MaxTemplateParams {
		return ErrTooManyTemplateParams
	}
	for _, p := range r.Params {
		if len(p) > MaxTemplateParamLength {
			return ErrTemplateParamTooLong
		}
	}
	return nil
}

// SendTemplateResult reports a completed manual send.
type SendTemplateResult struct {
	Template  string `json:"template"`
	Phone     string `json:"phone"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// TemplateInfo describes one outbound template known to the flow definition.
type TemplateInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}
