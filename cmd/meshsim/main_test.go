package main

import (
	"testing"

	"github.com/danmuck/meshctl/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func TestSimulateConvergesAndMigrates(t *testing.T) {
	testlog.Start(t)
	if err := simulate(zerolog.Nop(), 3, 200, true, 1, false); err != nil {
		t.Fatalf("simulate: %v", err)
	}
}

func TestSimulateNeedsTwoPeers(t *testing.T) {
	testlog.Start(t)
	if err := simulate(zerolog.Nop(), 1, 10, false, 1, false); err == nil {
		t.Fatalf("expected error for a single peer")
	}
}
