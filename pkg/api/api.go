// Package api exposes the two HTTP surfaces of the broker: the device API
// (register, credentials, publish, spool drain, groups, timeseries,
// schedules) and the management API (devices, peers, shares, status).
//
// Every response uses the envelope {"message": code, "detail": value} with
// the shared code dictionary below.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Envelope codes.
const (
	CodeSuccess         = 1000
	CodeBadRequest      = 1001
	CodeServerError     = 1002
	CodeDeviceNotFound  = 1003
	CodeMessageTooLarge = 1004
	CodeRateLimited     = 1005
	CodeForbiddenGroup  = 1006
	CodeNotAvailable    = 1007 // device not online / not in http mode
	CodeUnauthorized    = 1008 // bad management token / task not found
)

// Envelope is the uniform response body.
type Envelope struct {
	Message int `json:"message"`
	Detail  any `json:"detail,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status, code int, detail any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Message: code, Detail: detail})
}

func writeSuccess(w http.ResponseWriter, detail any) {
	writeEnvelope(w, http.StatusOK, CodeSuccess, detail)
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.New("malformed JSON body")
	}
	return nil
}
