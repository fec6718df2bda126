package main

import (
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
)

func TestRunRejectsBadArguments(t *testing.T) {
	tests := [][]string{
		{"sideways"},
		{"force"},
		{"steps", "two"},
	}
	for _, args := range tests {
		if err := run(nil, args); err == nil {
			t.Errorf("run(%q) = nil, want error", args)
		}
	}
}

func TestIgnoreNoChange(t *testing.T) {
	if err := ignoreNoChange(migrate.ErrNoChange); err != nil {
		t.Fatalf("ErrNoChange surfaced: %v", err)
	}
	boom := errors.New("dirty database")
	if err := ignoreNoChange(boom); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
}
