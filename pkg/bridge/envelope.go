package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-multierror"
)

// ClassFatal is the error class of results the bridge synthesizes itself.
const ClassFatal = "fatal"

// CallEnvelope is the request crossing the bridge. It must be JSON
// serializable; only data crosses, never references.
type CallEnvelope struct {
	OperationID string         `json:"operationId"`
	Platform    string         `json:"platform,omitempty"`
	Service     string         `json:"service"`
	Method      string         `json:"method"`
	Params      map[string]any `json:"params,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

// Operation returns a readable name for logs, e.g. "google/drive.files.get".
func (e CallEnvelope) Operation() string {
	platform := e.Platform
	if platform == "" {
		platform = "(active)"
	}
	return fmt.Sprintf("%s/%s.%s", platform, e.Service, e.Method)
}

// Validate checks required fields and that the envelope survives a JSON
// round trip.
func (e CallEnvelope) Validate() error {
	var result *multierror.Error
	if e.Service == "" {
		result = multierror.Append(result, errors.New("service is required"))
	}
	if e.Method == "" {
		result = multierror.Append(result, errors.New("method is required"))
	}
	if _, err := json.Marshal(e); err != nil {
		result = multierror.Append(result, fmt.Errorf("envelope is not serializable: %w", err))
	}
	return result.ErrorOrNil()
}

// Response is the raw HTTP shape of a result.
type Response struct {
	Status     int                 `json:"status"`
	StatusText string              `json:"statusText"`
	Headers    map[string][]string `json:"headers,omitempty"`
	RawBody    []byte              `json:"rawBody,omitempty"`
}

// ErrorInfo describes a failed call.
type ErrorInfo struct {
	Class    string `json:"class"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

// ResultEnvelope is the single result of one CallEnvelope. It is always
// populated, including on failure.
type ResultEnvelope struct {
	OperationID string     `json:"operationId"`
	Data        any        `json:"data"`
	Response    Response   `json:"response"`
	Error       *ErrorInfo `json:"error,omitempty"`
}

// OK reports whether the call succeeded.
func (r ResultEnvelope) OK() bool {
	return r.Error == nil
}

// Err returns the failure as an error, or nil.
func (r ResultEnvelope) Err() error {
	if r.Error == nil {
		return nil
	}
	return fmt.Errorf("%s (status %d, class %s)", r.Error.Message, r.Response.Status, r.Error.Class)
}

// Fatal builds a synthetic failed result.
func Fatal(operationID string, status int, err error) ResultEnvelope {
	return ResultEnvelope{
		OperationID: operationID,
		Response: Response{
			Status:     status,
			StatusText: http.StatusText(status),
		},
		Error: &ErrorInfo{
			Class:   ClassFatal,
			Message: err.Error(),
		},
	}
}

// roundTrip copies v through its JSON encoding into out.
func roundTrip(v, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
