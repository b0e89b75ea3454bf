// SPDX-License-Identifier: MPL-2.0

// Package cueutil provides shared CUE parsing utilities.
//
// Both the environment definition (pkg/envdef) and the application config
// (internal/config) follow the same flow:
//
//  1. Compile the embedded schema
//  2. Compile user data and unify with the schema's root definition
//  3. Validate and decode to a Go struct
//
// # Usage
//
//	//go:embed envdef_schema.cue
//	var schema []byte
//
//	result, err := cueutil.ParseAndDecode[Definition](
//	    schema,
//	    data,
//	    "#Definition",
//	    cueutil.WithFilename("buildenv.cue"),
//	)
//	if err != nil {
//	    return nil, err // carries the CUE path of the offending field
//	}
//	return result.Value, nil
package cueutil
