/*
Copyright 2024 Aussie Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// maxRequestBody bounds admin-plane request bodies.
const maxRequestBody = 1 << 20

// HandlerFunc is an HTTP handler that returns a JSON-marshalable value
// or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// Done is returned by handlers that wrote the response themselves.
var Done = new(struct{})

// MakeHandler returns a new httprouter.Handle from a handler func. A nil
// return value replies 204, Done leaves the response as written.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out == Done {
			return
		}
		if out == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads the HTTP request body and unmarshals it into val.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("request body is not valid JSON: %v", err)
	}
	return nil
}

// ReplyJSON writes a JSON response with the given status.
func ReplyJSON(w http.ResponseWriter, status int, val any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(val)
}

// errorResponse is the admin-plane error body.
type errorResponse struct {
	Message string `json:"message"`
}

// ReplyError maps a trace error onto an HTTP error response.
func ReplyError(w http.ResponseWriter, err error) {
	ReplyJSON(w, StatusFor(err), errorResponse{Message: trace.UserMessage(err)})
}

// StatusFor maps a trace error class to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsAlreadyExists(err), trace.IsCompareFailed(err):
		return http.StatusConflict
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	case trace.IsConnectionProblem(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
