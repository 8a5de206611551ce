package evaldriver

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildDAG_RejectsEmptyInput(t *testing.T) {
	if _, err := BuildDAG(nil); err == nil {
		t.Fatal("expected an error for zero records")
	}
}

func TestBuildDAG_RejectsUnresolvedDependency(t *testing.T) {
	records, err := ParseRecords(strings.NewReader(
		`{"path":"a","architecture":"x86_64-linux","dependencies":["b"]}` + "\n"))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	if _, err := BuildDAG(records); err == nil {
		t.Fatal("expected an error for a dependency never emitted as a path")
	}
}

func TestBuildDAG_RejectsCycle(t *testing.T) {
	input := `{"path":"a","architecture":"x86_64-linux","dependencies":["b"]}
{"path":"b","architecture":"x86_64-linux","dependencies":["a"]}
`
	records, err := ParseRecords(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	if _, err := BuildDAG(records); err == nil {
		t.Fatal("expected a cycle to be rejected")
	}
}

func TestBuildDAG_ValidDiamond(t *testing.T) {
	input := `{"path":"leaf","architecture":"x86_64-linux","dependencies":[]}
{"path":"left","architecture":"x86_64-linux","dependencies":["leaf"]}
{"path":"right","architecture":"x86_64-linux","dependencies":["leaf"]}
{"path":"top","architecture":"x86_64-linux","dependencies":["left","right"]}
`
	records, err := ParseRecords(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	planned, err := BuildDAG(records)
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}
	if len(planned) != 4 {
		t.Fatalf("expected 4 planned builds, got %d", len(planned))
	}
}

func TestBuildDAG_IsStructurallyIdempotent(t *testing.T) {
	input := `{"path":"leaf","architecture":"x86_64-linux","dependencies":[]}
{"path":"top","architecture":"x86_64-linux","dependencies":["leaf"]}
`
	records, err := ParseRecords(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	first, err := BuildDAG(records)
	if err != nil {
		t.Fatalf("BuildDAG (first): %v", err)
	}
	second, err := BuildDAG(records)
	if err != nil {
		t.Fatalf("BuildDAG (second): %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("rebuilding the same records produced a different DAG shape (-first +second):\n%s", diff)
	}
}

func TestBuildDAG_DeduplicatesByPath(t *testing.T) {
	input := `{"path":"a","architecture":"x86_64-linux","dependencies":[]}
{"path":"a","architecture":"x86_64-linux","dependencies":[]}
{"path":"b","architecture":"x86_64-linux","dependencies":["a"]}
`
	records, err := ParseRecords(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	planned, err := BuildDAG(records)
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}
	if len(planned) != 2 {
		t.Fatalf("expected the duplicate record to be dropped, got %d planned builds", len(planned))
	}
}

func TestBuildDAG_RejectsSelfDependency(t *testing.T) {
	records, err := ParseRecords(strings.NewReader(
		`{"path":"a","architecture":"x86_64-linux","dependencies":["a"]}` + "\n"))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	if _, err := BuildDAG(records); err == nil {
		t.Fatal("expected a self-dependency to be rejected")
	}
}
