package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from  RunStatus
		event RunEvent
		want  bool
	}{
		{RunStatusPending, RunEventStart, true},
		{RunStatusRunning, RunEventStart, false},
		{RunStatusPending, RunEventComplete, true},
		{RunStatusRunning, RunEventComplete, true},
		{RunStatusPending, RunEventFail, true},
		{RunStatusRunning, RunEventFail, true},
		{RunStatusPending, RunEventCancel, true},
		{RunStatusRunning, RunEventCancel, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.event); got != tt.want {
			t.Fatalf("CanTransition(%s, %s)=%v, want %v", tt.from, tt.event, got, tt.want)
		}
	}
}

func TestCanTransition_TerminalStatusesAreFinal(t *testing.T) {
	events := []RunEvent{RunEventStart, RunEventComplete, RunEventFail, RunEventCancel}
	for _, status := range RunStatuses {
		if !status.Terminal() {
			continue
		}
		for _, event := range events {
			if CanTransition(status, event) {
				t.Fatalf("%s must not accept %s", status, event)
			}
		}
	}
}

func TestParseRunStatus(t *testing.T) {
	got, err := ParseRunStatus(" Running ")
	if err != nil || got != RunStatusRunning {
		t.Fatalf("ParseRunStatus()=%q, %v", got, err)
	}
	if _, err := ParseRunStatus("paused"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestTransitionError(t *testing.T) {
	err := error(&TransitionError{RunID: "r1", Op: string(RunEventCancel), From: RunStatusCompleted})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected errors.Is(ErrInvalidTransition)")
	}
	if err.Error() != "cannot cancel run with status: completed" {
		t.Fatalf("message=%q", err.Error())
	}
}

func TestRunTransitionApply(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	run := Run{ID: "r1", Status: RunStatusPending}

	started := RunTransition{Event: RunEventStart, WorkerID: "w1", At: at}.Apply(run)
	if started.Status != RunStatusRunning || started.StartedAt == nil || started.WorkerID != "w1" {
		t.Fatalf("started=%+v", started)
	}
	if started.CompletedAt != nil {
		t.Fatalf("completed_at must stay unset on start")
	}

	failed := RunTransition{Event: RunEventFail, Error: "boom", At: at}.Apply(started)
	if failed.Status != RunStatusFailed || failed.Error != "boom" || failed.CompletedAt == nil {
		t.Fatalf("failed=%+v", failed)
	}
	if failed.Metrics != nil {
		t.Fatalf("metrics must stay unset on failure")
	}

	completed := RunTransition{Event: RunEventComplete, Metrics: Metadata{"accuracy": 0.9}, At: at}.Apply(started)
	if completed.Status != RunStatusCompleted || completed.Metrics["accuracy"] != 0.9 {
		t.Fatalf("completed=%+v", completed)
	}
}

func TestRunValidate(t *testing.T) {
	valid := Run{ProjectID: "p1", Name: "baseline", ModelName: "gpt-4o-mini", Prompt: "{input}", CreatedBy: "u1"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	missing := valid
	missing.ModelName = " "
	if err := missing.Validate(); err == nil {
		t.Fatalf("expected error for missing model name")
	}
}

func TestRunDisplayName(t *testing.T) {
	if got := (Run{ID: "0123456789abcdef"}).DisplayName(); got != "Run 01234567" {
		t.Fatalf("DisplayName()=%q", got)
	}
	if got := (Run{ID: "x", Name: "baseline"}).DisplayName(); got != "baseline" {
		t.Fatalf("DisplayName()=%q", got)
	}
}

func TestNumeric(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{in: 0.5, want: 0.5, ok: true},
		{in: 3, want: 3, ok: true},
		{in: int64(-2), want: -2, ok: true},
		{in: json.Number("1.25"), want: 1.25, ok: true},
		{in: true, ok: false},
		{in: "0.5", ok: false},
		{in: nil, ok: false},
	}
	for _, tt := range tests {
		got, ok := Numeric(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Fatalf("Numeric(%#v)=%v,%v want %v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
