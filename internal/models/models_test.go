package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONRPCRequest_OmitsEmptyFields(t *testing.T) {
	tests := []struct {
		name        string
		request     JSONRPCRequest
		contains    []string
		notContains []string
	}{
		{
			name:        "notification without params",
			request:     JSONRPCRequest{JSONRPC: JSONRPCVersion, Method: "getSlot"},
			contains:    []string{`"jsonrpc":"2.0"`, `"method":"getSlot"`},
			notContains: []string{`"id"`, `"params"`},
		},
		{
			name: "call with id and params",
			request: JSONRPCRequest{
				JSONRPC: JSONRPCVersion,
				ID:      json.RawMessage(`7`),
				Method:  "getBalance",
				Params:  json.RawMessage(`["addr"]`),
			},
			contains: []string{`"id":7`, `"params":["addr"]`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := json.Marshal(tt.request)
			if err != nil {
				t.Fatalf("json.Marshal() error = %v", err)
			}
			for _, fragment := range tt.contains {
				if !strings.Contains(string(encoded), fragment) {
					t.Errorf("json.Marshal() = %s, want it to contain %s", encoded, fragment)
				}
			}
			for _, fragment := range tt.notContains {
				if strings.Contains(string(encoded), fragment) {
					t.Errorf("json.Marshal() = %s, want it to omit %s", encoded, fragment)
				}
			}
		})
	}
}

func TestJSONRPCResponse_DecodesError(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`

	var response JSONRPCResponse
	if err := json.Unmarshal([]byte(body), &response); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if response.Error == nil {
		t.Fatal("response.Error = nil, want error")
	}
	if response.Error.Code != -32601 {
		t.Errorf("Error.Code = %v, want %v", response.Error.Code, -32601)
	}
	if response.Error.Error() != "Method not found" {
		t.Errorf("Error.Error() = %v, want %v", response.Error.Error(), "Method not found")
	}
	if len(response.Result) != 0 {
		t.Errorf("Result = %s, want empty", response.Result)
	}
}
