package memory

import (
	"context"
	"testing"

	"payflow/internal/core"
)

func TestMemoryStoreAppendAndList(t *testing.T) {
	s := New()
	ref, err := s.AppendCycle(context.Background(), core.CycleRecord{Cycle: "2024-01"})
	if err != nil || ref != "mem:1" {
		t.Fatalf("unexpected append: ref=%q err=%v", ref, err)
	}
	rows, _ := s.ListCycles(context.Background())
	if len(rows) != 1 || rows[0].Cycle != "2024-01" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestMemoryStoreFailNext(t *testing.T) {
	s := New()
	s.FailNext(1)
	if _, err := s.AppendCycle(context.Background(), core.CycleRecord{Cycle: "2024-01"}); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := s.AppendCycle(context.Background(), core.CycleRecord{Cycle: "2024-01"}); err != nil {
		t.Fatalf("second append: %v", err)
	}
}
