// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"encoding/json"
	"testing"
)

func TestJSONResponse_Marshal(t *testing.T) {
	resp := JSONResponse{Version: "1.0", Command: "dlq show", Success: true, JobID: "job-1"}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["@version"] != "1.0" {
		t.Errorf("@version = %v", decoded["@version"])
	}
	if decoded["command"] != "dlq show" {
		t.Errorf("command = %v", decoded["command"])
	}
	if decoded["job_id"] != "job-1" {
		t.Errorf("job_id = %v", decoded["job_id"])
	}
	if _, ok := decoded["dry_run"]; ok {
		t.Error("dry_run should be omitted when false")
	}
}

func TestJSONResponse_EmbeddedEnvelope(t *testing.T) {
	type response struct {
		JSONResponse
		Items []string `json:"items"`
	}

	data, err := json.Marshal(response{
		JSONResponse: JSONResponse{Version: "1.0", Command: "dlq show", Success: true},
		Items:        []string{"a", "b"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["success"] != true {
		t.Errorf("success = %v", decoded["success"])
	}
	items, ok := decoded["items"].([]interface{})
	if !ok || len(items) != 2 {
		t.Errorf("items = %v", decoded["items"])
	}
}

func TestJSONError_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(JSONError{Code: "lock_busy", Message: "job job-1 is locked"})
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, absent := range []string{"location", "suggestion", "step_id", "item_id"} {
		if _, ok := decoded[absent]; ok {
			t.Errorf("%s should be omitted when empty", absent)
		}
	}
}

func TestEmitJSONError_Envelope(t *testing.T) {
	// EmitJSONError writes to stdout; here we only verify the envelope
	// shape it builds marshals with success=false and the error list.
	type errorResponse struct {
		JSONResponse
		Errors []JSONError `json:"errors"`
	}
	resp := errorResponse{
		JSONResponse: JSONResponse{Version: "1.0", Command: "resume", Success: false},
		Errors: []JSONError{{
			Code:       "lock_busy",
			Message:    "job job-1 is locked by an active runner",
			Suggestion: "wait for the other resume to finish",
		}},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["success"] != false {
		t.Errorf("success = %v", decoded["success"])
	}
	errs, ok := decoded["errors"].([]interface{})
	if !ok || len(errs) != 1 {
		t.Fatalf("errors = %v", decoded["errors"])
	}
}
