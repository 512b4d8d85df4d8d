package cdpcontrol

import "fmt"

const (
	CodeValidation      = "VALIDATION"
	CodeChartNotFound   = "CHART_NOT_FOUND"
	CodeAPIUnavailable  = "API_UNAVAILABLE"
	CodeEvalFailure     = "EVAL_FAILURE"
	CodeEvalTimeout     = "EVAL_TIMEOUT"
	CodeCDPUnavailable  = "CDP_UNAVAILABLE"
	CodeNotAttached     = "NOT_ATTACHED"
	CodeCaptureNotFound = "CAPTURE_NOT_FOUND"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError returns a *CodedError. Packages outside cdpcontrol use it so the API
// layer maps every failure through the same codes.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

func newError(code, msg string, cause error) error {
	return NewError(code, msg, cause)
}

// ChartInfo describes a chart tab mapped from a browser target.
type ChartInfo struct {
	ChartID  string `json:"chart_id"`
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
}

// HookInfo reports the state of the dataset hook on a page.
type HookInfo struct {
	Installed bool   `json:"installed"`
	Binding   string `json:"binding"`
	Present   bool   `json:"already_present,omitempty"`
}
