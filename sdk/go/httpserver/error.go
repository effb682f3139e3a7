// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"net/http"
)

type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Errors: []string{msg}})
}

// RequireToken wraps h so requests must carry "Authorization: Bearer
// {token}". If token is empty, every request gets 404.
func RequireToken(token string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch auth := req.Header.Get("Authorization"); {
		case token == "":
			Error(w, "disabled", http.StatusNotFound)
		case auth == "":
			Error(w, "authorization required", http.StatusUnauthorized)
		case auth != "Bearer "+token:
			Error(w, "authorization error", http.StatusForbidden)
		default:
			h.ServeHTTP(w, req)
		}
	})
}
