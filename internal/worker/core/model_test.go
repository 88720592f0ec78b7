package core

import (
	"encoding/json"
	"testing"
)

func TestQuota_Allows(t *testing.T) {
	tests := []struct {
		name  string
		quota Quota
		want  bool
	}{
		{name: "exactly sqrt of limit", quota: Quota{Remaining: 70, Limit: 4900}, want: true},
		{name: "one below sqrt of limit", quota: Quota{Remaining: 69, Limit: 4900}, want: false},
		{name: "full budget", quota: Quota{Remaining: 5000, Limit: 5000}, want: true},
		{name: "non-square limit just above", quota: Quota{Remaining: 71, Limit: 5000}, want: true},
		{name: "non-square limit just below", quota: Quota{Remaining: 70, Limit: 5000}, want: false},
		{name: "exhausted", quota: ExhaustedQuota, want: false},
		{name: "zero limit", quota: Quota{Remaining: 0, Limit: 0}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.quota.Allows(); got != tt.want {
				t.Errorf("Allows() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssignment_UploadSuppressed(t *testing.T) {
	tests := []struct {
		name string
		args string
		want bool
	}{
		{name: "plain run", args: `{"tc": "10+0.1", "num_games": 400}`, want: false},
		{name: "tuning run", args: `{"tc": "10+0.1", "spsa": {"iter": 3}}`, want: true},
		{name: "no args", args: `{}`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Assignment{Run: Run{ID: "run-1"}, TaskID: 1}
			if err := json.Unmarshal([]byte(tt.args), &a.Run.Args); err != nil {
				t.Fatalf("Failed to decode args: %v", err)
			}
			if got := a.UploadSuppressed(); got != tt.want {
				t.Errorf("UploadSuppressed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssignment_DecodesCoordinatorPayload(t *testing.T) {
	raw := `{"run": {"_id": "64f0c0ffee", "args": {"spsa": {}}}, "task_id": 17}`

	var a Assignment
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatalf("Failed to decode assignment: %v", err)
	}

	if a.Run.ID != "64f0c0ffee" || a.TaskID != 17 {
		t.Errorf("Unexpected assignment %+v", a)
	}
	if !a.UploadSuppressed() {
		t.Error("Expected spsa run to suppress upload")
	}
}

func TestCredentials_StringHidesPassword(t *testing.T) {
	creds := Credentials{Username: "alice", Password: "hunter2"}
	if s := creds.String(); s != `Credentials{Username: "alice"}` {
		t.Errorf("Unexpected string %q", s)
	}
}
