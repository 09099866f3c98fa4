// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
)

// WriteJSON marshals value as indented JSON on stdout. Nil slices
// serialize as [] so scripted callers never see null.
func WriteJSON(value any) error {
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Slice && v.IsNil() {
		value = reflect.MakeSlice(v.Type(), 0, 0).Interface()
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// ExitError carries a non-zero exit code for outcomes that are not
// errors worth printing, such as a lookup miss. The main function
// checks for the ExitCode method before printing anything.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the process exit code.
func (e *ExitError) ExitCode() int {
	return e.Code
}
