package executor

import (
	"errors"
	"net/http"

	"github.com/hashicorp-forge/hermes-bridge/pkg/auth"
	"github.com/hashicorp-forge/hermes-bridge/pkg/bridge"
	"github.com/hashicorp-forge/hermes-bridge/pkg/retry"
	"github.com/hashicorp-forge/hermes-bridge/pkg/router"
)

var (
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrInvalidParams        = errors.New("invalid params")
)

// StatusError lets a handler fail with an explicit status without going
// through the retry engine.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func (e *StatusError) HTTPStatus() int {
	return e.Status
}

// failure converts err into a result envelope.
func failure(operationID string, err error) bridge.ResultEnvelope {
	var rerr *retry.Error
	if errors.As(err, &rerr) {
		res := bridge.ResultEnvelope{
			OperationID: operationID,
			Response: bridge.Response{
				Status:     rerr.Status,
				StatusText: rerr.StatusText,
			},
			Error: &bridge.ErrorInfo{
				Class:    rerr.Class.String(),
				Message:  rerr.Error(),
				Attempts: rerr.Attempts,
			},
		}
		if rerr.Result != nil {
			res.Response.Headers = rerr.Result.Header
			res.Response.RawBody = rerr.Result.Body
			res.Data = rerr.Result.Data
		}
		return res
	}

	status := http.StatusInternalServerError
	var sc retry.StatusCoder
	switch {
	case errors.Is(err, ErrUnsupportedOperation):
		status = http.StatusNotImplemented
	case errors.Is(err, ErrInvalidParams),
		errors.Is(err, router.ErrUnknownPlatform),
		errors.Is(err, router.ErrNoPlatform):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrMissingScope),
		errors.Is(err, router.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.As(err, &sc) && sc.HTTPStatus() >= 400:
		status = sc.HTTPStatus()
	}
	return bridge.Fatal(operationID, status, err)
}
