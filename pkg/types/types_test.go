package types

import (
	"testing"
	"time"
)

func TestExecutionStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to ExecutionStatus
		want     bool
	}{
		{ExecutionPending, ExecutionRunning, true},
		{ExecutionPending, ExecutionFailed, false},
		{ExecutionPending, ExecutionSuccess, false},
		{ExecutionRunning, ExecutionSuccess, true},
		{ExecutionRunning, ExecutionFailed, true},
		{ExecutionRunning, ExecutionPending, false},
		{ExecutionSuccess, ExecutionFailed, false},
		{ExecutionSuccess, ExecutionRunning, false},
		{ExecutionFailed, ExecutionRunning, false},
		{ExecutionFailed, ExecutionSuccess, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	if ExecutionPending.Terminal() || ExecutionRunning.Terminal() {
		t.Error("pending and running must not be terminal")
	}
	if !ExecutionSuccess.Terminal() || !ExecutionFailed.Terminal() {
		t.Error("success and failed must be terminal")
	}
}

func TestTriggerSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    TriggerSpec
		wantErr bool
	}{
		{"manual", TriggerSpec{Type: TriggerManual}, false},
		{"cron with expr", TriggerSpec{Type: TriggerCron, CronExpr: "*/5 * * * *"}, false},
		{"cron missing expr", TriggerSpec{Type: TriggerCron}, true},
		{"interval positive", TriggerSpec{Type: TriggerInterval, IntervalSeconds: 60}, false},
		{"interval zero", TriggerSpec{Type: TriggerInterval}, true},
		{"interval negative", TriggerSpec{Type: TriggerInterval, IntervalSeconds: -3}, true},
		{"unknown type", TriggerSpec{Type: "hourly"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTriggerSpecInterval(t *testing.T) {
	spec := TriggerSpec{Type: TriggerInterval, IntervalSeconds: 90}
	if got := spec.Interval(); got != 90*time.Second {
		t.Errorf("Interval() = %v, want 90s", got)
	}
}
