package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	types "github.com/sebas/softphone/api/types/v1"
)

func noEnv(string) string { return "" }

func TestRunConnect(t *testing.T) {
	var got types.ConnectRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/connect" {
			t.Errorf("path = %s, want /api/v1/connect", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(types.StatusResponse{
			Connection: "connected", Call: "idle", Label: "Idle",
			Controls: types.Controls{Disconnect: true},
		})
	}))
	defer ts.Close()

	var out bytes.Buffer
	args := []string{"-addr", ts.URL, "connect", "-server", "wss://sip.example.com", "-user", "alice", "-password", "secret"}
	if err := run(context.Background(), args, &out, noEnv); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	want := types.ConnectRequest{Server: "wss://sip.example.com", User: "alice", Password: "secret"}
	if got != want {
		t.Errorf("request = %+v, want %+v", got, want)
	}
	if !strings.Contains(out.String(), "status:     Idle") || !strings.Contains(out.String(), "available:  disconnect") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunConflictPrintsStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{
			Error:  "answer is not available while Idle",
			Status: &types.StatusResponse{Connection: "connected", Call: "idle", Label: "Idle"},
		})
	}))
	defer ts.Close()

	var out bytes.Buffer
	err := run(context.Background(), []string{"answer"}, &out, func(k string) string {
		if k == "SOFTPHONE_ADDR" {
			return ts.URL
		}
		return ""
	})
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("run() error = %v, want 409", err)
	}
	if !strings.Contains(out.String(), "available:  none") {
		t.Errorf("output = %q, want the status", out.String())
	}
}

func TestRunCallNeedsDestination(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"call"}, &out, noEnv); err == nil {
		t.Error("run(call) without destination error = nil, want error")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"transfer"}, &out, noEnv); err == nil {
		t.Error("run(transfer) error = nil, want error")
	}
	if !strings.Contains(out.String(), "usage:") {
		t.Errorf("output = %q, want usage", out.String())
	}
}
