// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package validation

import (
	"errors"
	"testing"
)

type cleanupRequest struct {
	Months int `json:"months" validate:"min=1,max=120"`
}

type restoreRequest struct {
	Name string `json:"name" validate:"required,max=255,artifact_name"`
}

type pathRequest struct {
	Path string `json:"path" validate:"abspath_or_empty"`
}

type runRequest struct {
	Kind string `json:"kind" validate:"omitempty,oneof=auto daily manual"`
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name      string
		input     interface{}
		wantErr   bool
		wantField string
		wantMsg   string
	}{
		{name: "months ok", input: &cleanupRequest{Months: 3}},
		{name: "months zero", input: &cleanupRequest{Months: 0}, wantErr: true, wantField: "months", wantMsg: "months must be at least 1"},
		{name: "months too large", input: &cleanupRequest{Months: 500}, wantErr: true, wantField: "months"},
		{name: "name ok", input: &restoreRequest{Name: "manual_backup_20260101_000000.json.gz"}},
		{name: "name missing", input: &restoreRequest{}, wantErr: true, wantField: "name", wantMsg: "name is required"},
		{name: "name traversal", input: &restoreRequest{Name: "../etc/passwd"}, wantErr: true, wantField: "name"},
		{name: "name hidden", input: &restoreRequest{Name: ".partial"}, wantErr: true, wantField: "name"},
		{name: "path empty", input: &pathRequest{}},
		{name: "path absolute", input: &pathRequest{Path: "/mnt/usb"}},
		{name: "path relative", input: &pathRequest{Path: "usb"}, wantErr: true, wantField: "path", wantMsg: "path must be an absolute path or empty"},
		{name: "kind empty", input: &runRequest{}},
		{name: "kind bad", input: &runRequest{Kind: "weekly"}, wantErr: true, wantField: "kind", wantMsg: "kind must be one of: auto daily manual"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(tt.input)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			var ve *RequestValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *RequestValidationError, got %T", err)
			}
			if got := ve.Errors()[0].Field(); got != tt.wantField {
				t.Errorf("expected field %s, got %s", tt.wantField, got)
			}
			if tt.wantMsg != "" && ve.Error() != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, ve.Error())
			}
			if !IsValidationError(err) {
				t.Error("expected IsValidationError to be true")
			}
		})
	}
}

func TestFields(t *testing.T) {
	err := ValidateStruct(&cleanupRequest{})
	var ve *RequestValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if msg := ve.Fields()["months"]; msg == "" {
		t.Errorf("expected months in fields, got %v", ve.Fields())
	}
}

func TestGetValidatorSingleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Error("expected the same validator instance")
	}
}
