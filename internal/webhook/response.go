package webhook

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Outcome labels used for metrics and logs.
const (
	OutcomeParseError    = "parse_error"
	OutcomeTypeMismatch  = "type_mismatch"
	OutcomeUnauthorized  = "unauthorized"
	OutcomePing          = "ping"
	OutcomeEmptyList     = "empty_list"
	OutcomeProcessed     = "processed"
	OutcomeNoneProcessed = "none_processed"
	OutcomeFailure       = "failure"
)

// ResponseBody is the JSON document returned to the provider.
type ResponseBody struct {
	Status    string        `json:"status"`
	Message   string        `json:"message"`
	Processed *int          `json:"processed,omitempty"`
	Skipped   *int          `json:"skipped,omitempty"`
	Errors    []ErrorDetail `json:"errors,omitempty"`
}

// Response is the status code and body chosen by Respond.
type Response struct {
	StatusCode int
	Body       ResponseBody
	Outcome    string
}

// Result collects what the pipeline learned about a request. Respond walks
// its fields top-down and the first applicable rule decides the response.
type Result struct {
	ParseErr  error
	AuthErr   error
	Ping      bool
	EmptyList bool
	Batch     *BatchOutcome
	Failure   error
}

// Respond maps a pipeline result to an HTTP response. Anything but a parse
// failure or a signature rejection is acknowledged with a 2xx so the
// provider does not retry.
func Respond(r Result) Response {
	if r.Failure != nil {
		return Response{
			StatusCode: http.StatusOK,
			Body:       ResponseBody{Status: StatusError, Message: fmt.Sprintf("Failed to process webhook but acknowledged: %v", r.Failure)},
			Outcome:    OutcomeFailure,
		}
	}

	if r.ParseErr != nil {
		var mismatch *TypeMismatchError
		if errors.As(r.ParseErr, &mismatch) {
			return Response{
				StatusCode: http.StatusOK,
				Body:       ResponseBody{Status: StatusError, Message: fmt.Sprintf("Unsupported webhook payload: %v", r.ParseErr)},
				Outcome:    OutcomeTypeMismatch,
			}
		}
		message := fmt.Sprintf("Invalid or empty request body: %v", r.ParseErr)
		var empty *EmptyBodyError
		if errors.As(r.ParseErr, &empty) {
			message = "Invalid or empty request body: body is empty"
		}
		return Response{
			StatusCode: http.StatusBadRequest,
			Body:       ResponseBody{Status: StatusError, Message: message},
			Outcome:    OutcomeParseError,
		}
	}

	if r.AuthErr != nil {
		return Response{
			StatusCode: http.StatusUnauthorized,
			Body:       ResponseBody{Status: StatusError, Message: "Invalid webhook signature"},
			Outcome:    OutcomeUnauthorized,
		}
	}

	if r.Ping {
		return Response{
			StatusCode: http.StatusOK,
			Body:       ResponseBody{Status: StatusSuccess, Message: "Ping acknowledged"},
			Outcome:    OutcomePing,
		}
	}

	if r.EmptyList || r.Batch == nil || r.Batch.Processed+r.Batch.Skipped == 0 {
		return Response{
			StatusCode: http.StatusOK,
			Body:       ResponseBody{Status: StatusSuccess, Message: "Acknowledged empty event list"},
			Outcome:    OutcomeEmptyList,
		}
	}

	processed, skipped := r.Batch.Processed, r.Batch.Skipped
	if processed > 0 {
		return Response{
			StatusCode: http.StatusAccepted,
			Body: ResponseBody{
				Status:    StatusSuccess,
				Message:   fmt.Sprintf("Processed %d events successfully (%d skipped)", processed, skipped),
				Processed: &processed,
				Skipped:   &skipped,
				Errors:    r.Batch.Errors,
			},
			Outcome: OutcomeProcessed,
		}
	}

	return Response{
		StatusCode: http.StatusOK,
		Body: ResponseBody{
			Status:    StatusError,
			Message:   fmt.Sprintf("Failed to process any events (%d skipped)", skipped),
			Processed: &processed,
			Skipped:   &skipped,
			Errors:    r.Batch.Errors,
		},
		Outcome: OutcomeNoneProcessed,
	}
}
