package jsonrpc

import (
	"encoding/json"
	"errors"
)

// BatchRequest represents a JSON-RPC 2.0 batch request as per specs
type BatchRequest []*Request

// BatchResponse represents a JSON-RPC 2.0 batch response as per specs.
// Each element is either a *Response or an *Error, mirroring how a batch
// reply mixes successes and failures for different requests in the same
// array.
type BatchResponse []interface{}

// NewBatchResponseFromResponses wraps a slice of successful responses into
// a BatchResponse.
func NewBatchResponseFromResponses(responses []*Response) BatchResponse {
	batch := make(BatchResponse, len(responses))
	for i, r := range responses {
		batch[i] = r
	}
	return batch
}

// NewBatchResponseFromErrors wraps a slice of error responses into a
// BatchResponse.
func NewBatchResponseFromErrors(errs []*Error) BatchResponse {
	batch := make(BatchResponse, len(errs))
	for i, e := range errs {
		batch[i] = e
	}
	return batch
}

// NewBatchResponseMixed combines successful and error responses into one
// BatchResponse, responses first.
func NewBatchResponseMixed(responses []*Response, errs []*Error) BatchResponse {
	batch := make(BatchResponse, 0, len(responses)+len(errs))
	for _, r := range responses {
		batch = append(batch, r)
	}
	for _, e := range errs {
		batch = append(batch, e)
	}
	return batch
}

// UnmarshalJSON is a custom JSON unmarshaler for the BatchRequest type
func (b *BatchRequest) UnmarshalJSON(data []byte) error {
	// First check if it's an empty array which is not allowed as per the specs
	if string(data) == "[]" {
		return errors.New("invalid batch request: empty array")
	}

	// Try to unmarshal as an array; an element without an id is a
	// notification and is kept as a Request with a nil Id
	var raw []json.RawMessage
	err := json.Unmarshal(data, &raw)
	if err != nil {
		return err
	}
	requests := make([]*Request, 0, len(raw))
	for _, item := range raw {
		request := &Request{}
		if err := json.Unmarshal(item, request); err != nil {
			notification := &Notification{}
			if json.Unmarshal(item, notification) != nil {
				return err
			}
			request = &Request{Jsonrpc: notification.Jsonrpc, Method: notification.Method, Params: notification.Params}
		}
		requests = append(requests, request)
	}

	if len(requests) == 0 {
		return errors.New("invalid batch request: empty array")
	}

	*b = requests
	return nil
}
