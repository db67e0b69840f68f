// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errors provides the user-facing error type used at CLI
// boundaries. Library code wraps with fmt.Errorf as usual; commands convert
// to a UserError (category + message + detail + suggestion) right before
// reporting, so every fatal exit tells the operator what happened and what
// to do about it.
package errors

import (
	"encoding/json"
	"fmt"
	"os"
)

// Kind categorizes a UserError.
type Kind string

const (
	KindConfig     Kind = "config"
	KindInput      Kind = "input"
	KindInternal   Kind = "internal"
	KindNetwork    Kind = "network"
	KindPermission Kind = "permission"
	KindDatabase   Kind = "database"
)

// UserError carries everything needed for a helpful fatal report.
type UserError struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	Err        error  `json:"-"`
}

func (e *UserError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

func (e *UserError) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message, detail, suggestion string, err error) *UserError {
	return &UserError{
		Kind:       kind,
		Message:    message,
		Detail:     detail,
		Suggestion: suggestion,
		Err:        err,
	}
}

// NewConfigError reports a problem with configuration files or settings.
func NewConfigError(message, detail, suggestion string, err error) *UserError {
	return newError(KindConfig, message, detail, suggestion, err)
}

// NewInputError reports invalid user input (arguments, form fields).
func NewInputError(message, detail, suggestion string, err error) *UserError {
	return newError(KindInput, message, detail, suggestion, err)
}

// NewInternalError reports an unexpected internal failure.
func NewInternalError(message, detail, suggestion string, err error) *UserError {
	return newError(KindInternal, message, detail, suggestion, err)
}

// NewNetworkError reports a failure reaching another service.
func NewNetworkError(message, detail, suggestion string, err error) *UserError {
	return newError(KindNetwork, message, detail, suggestion, err)
}

// NewPermissionError reports a filesystem or privilege failure.
func NewPermissionError(message, detail, suggestion string, err error) *UserError {
	return newError(KindPermission, message, detail, suggestion, err)
}

// NewDatabaseError reports a failure in the enrollment database.
func NewDatabaseError(message, detail, suggestion string, err error) *UserError {
	return newError(KindDatabase, message, detail, suggestion, err)
}

// FatalError reports err to stderr (as JSON when jsonMode is set) and exits
// with status 1. Non-UserError values are wrapped as internal errors so that
// the output shape is uniform.
func FatalError(err error, jsonMode bool) {
	ue, ok := err.(*UserError)
	if !ok {
		ue = NewInternalError("Unexpected error", err.Error(), "", err)
	}
	if jsonMode {
		_ = json.NewEncoder(os.Stderr).Encode(map[string]any{"error": ue})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", ue.Message)
		if ue.Detail != "" {
			fmt.Fprintf(os.Stderr, "  %s\n", ue.Detail)
		}
		if ue.Suggestion != "" {
			fmt.Fprintf(os.Stderr, "  Hint: %s\n", ue.Suggestion)
		}
	}
	os.Exit(1)
}
