package hive

import (
	"errors"
	"testing"
)

func TestStandardErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ErrTaskNotFound", ErrTaskNotFound, "task not found"},
		{"ErrTaskExists", ErrTaskExists, "task already exists"},
		{"ErrInvalidTask", ErrInvalidTask, "invalid task"},
		{"ErrMissingCollaborator", ErrMissingCollaborator, "missing required collaborator"},
		{"ErrNoEndpoint", ErrNoEndpoint, "worker has no endpoint"},
		{"ErrWorkerNotFound", ErrWorkerNotFound, "worker not found"},
		{"ErrNotStarted", ErrNotStarted, "orchestrator not started"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("%s.Error() = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestTaskError(t *testing.T) {
	tests := []struct {
		name string
		err  *TaskError
		want string
	}{
		{
			name: "without worker",
			err:  &TaskError{TaskID: "abc123", Err: ErrTaskNotFound},
			want: "task abc123: task not found",
		},
		{
			name: "with worker",
			err:  &TaskError{TaskID: "abc123", WorkerID: "w1", Err: ErrNoEndpoint},
			want: "task abc123 (worker w1): worker has no endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if got := tt.err.Unwrap(); got != tt.err.Err {
				t.Errorf("Unwrap() = %v, want %v", got, tt.err.Err)
			}
			if !errors.Is(tt.err, tt.err.Err) {
				t.Errorf("errors.Is(TaskError, %v) should be true", tt.err.Err)
			}
		})
	}
}
