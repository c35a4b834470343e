package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// Envelope status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the normalized response envelope of a website backend.
type Result struct {
	StatusCode int             `json:"statusCode"`
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	// HTTPStatus is the status line of the response, which may differ from the envelope.
	HTTPStatus int `json:"-"`
}

// OK reports whether the backend accepted the call.
func (r Result) OK() bool {
	if r.HTTPStatus != 0 && !is2xx(r.HTTPStatus) {
		return false
	}
	return r.Status == StatusSuccess && is2xx(r.StatusCode)
}

// Transient reports whether a rejected call is worth retrying.
func (r Result) Transient() bool {
	if r.OK() {
		return false
	}
	code := r.StatusCode
	if r.HTTPStatus >= 500 || r.HTTPStatus == http.StatusTooManyRequests {
		code = r.HTTPStatus
	}
	return code >= 500 || code == http.StatusTooManyRequests
}

// ID returns data.id as a string. Backends send it either as a string or a number.
func (r Result) ID() (string, bool) {
	if len(r.Data) == 0 {
		return "", false
	}
	var data struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(r.Data, &data); err != nil || len(data.ID) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(data.ID, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(data.ID, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String(), true
		}
	}
	return "", false
}

// Decode unmarshals the data field into v.
func (r Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("empty data")
	}
	return json.Unmarshal(r.Data, v)
}

func (r Result) String() string {
	return fmt.Sprintf("statusCode=%d status=%s message=%q", r.StatusCode, r.Status, r.Message)
}

func is2xx(code int) bool {
	return code >= 200 && code < 300
}
