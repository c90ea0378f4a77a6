package http

import "strata/pkg/engine"

type Status string

const (
	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Item is one key/value pair of a scan.
type Item struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Response represents the standard API response format.
type Response struct {
	Status   Status        `json:"status,omitempty"`
	Value    string        `json:"value,omitempty"`
	Seq      uint64        `json:"seq,omitempty"`
	Snapshot string        `json:"snapshot,omitempty"`
	Items    []Item        `json:"items,omitempty"`
	Stats    *engine.Stats `json:"stats,omitempty"`
	Error    string        `json:"error,omitempty"`
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewSeqResponse(seq uint64) Response {
	return Response{Status: StatusSuccess, Seq: seq}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
