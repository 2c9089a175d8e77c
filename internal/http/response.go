package http

import (
	"replsvc/pkg/service"
	"replsvc/pkg/types"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusNotFound indicates the requested key or object does not exist.
	StatusNotFound Status = "not_found"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status  Status        `json:"status,omitempty"`
	Value   string        `json:"value,omitempty"`
	Values  []string      `json:"values,omitempty"`
	Version types.Version `json:"version,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// NewReplyResponse converts a service reply.
func NewReplyResponse(rep service.Reply) Response {
	return Response{
		Status:  Status(rep.Status),
		Value:   rep.Value,
		Values:  rep.Values,
		Version: rep.Version,
		Error:   rep.Error,
	}
}
