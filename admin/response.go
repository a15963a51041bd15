package admin

// Status is the outcome carried by every response.
type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates the request succeeded.
	StatusSuccess Status = "success"

	// StatusError indicates the request failed.
	StatusError Status = "error"
)

// Response is the envelope of every admin API response.
type Response struct {
	Status Status `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newOKResponse(data any) Response {
	return Response{Status: StatusOK, Data: data}
}

func newDataResponse(data any) Response {
	return Response{Status: StatusSuccess, Data: data}
}

func newErrorResponse(err error) Response {
	return Response{Status: StatusError, Error: err.Error()}
}
