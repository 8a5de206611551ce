package evaldriver

import (
	"bufio"
	"encoding/json"
	"io"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/wavelens/gradient/internal/models"
)

// record is one line of the evaluator's stdout protocol.
type record struct {
	Path         string   `json:"path"`
	Architecture string   `json:"architecture"`
	Features     []string `json:"features"`
	Dependencies []string `json:"dependencies"`
}

// pathNode adapts a path string to gonum's graph.Node interface.
type pathNode struct {
	id   int64
	path string
}

func (n pathNode) ID() int64 { return n.id }

// PlannedBuild is one node of a validated task DAG, ready to be persisted by
// pgstore.RecordTaskDAG.
type PlannedBuild struct {
	Path         string
	Architecture models.Architecture
	Features     []string
	Dependencies []string // paths, resolved to Build ids by the caller
}

// ParseRecords reads line-delimited JSON records from r until EOF.
func ParseRecords(r io.Reader) ([]record, error) {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var records []record
	for scan.Scan() {
		line := scan.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, xerrors.Errorf("evaldriver: invalid record %q: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scan.Err(); err != nil {
		return nil, xerrors.Errorf("evaldriver: reading evaluator output: %w", err)
	}
	return records, nil
}

// BuildDAG validates records into a task DAG: every dependency path must
// also appear as a path, there must be at least one record, and the
// resulting graph must be acyclic.
func BuildDAG(records []record) ([]PlannedBuild, error) {
	if len(records) == 0 {
		return nil, xerrors.Errorf("evaldriver: evaluator emitted zero records")
	}

	// Records may arrive in any order and the same path may be emitted more
	// than once; later duplicates are dropped.
	g := simple.NewDirectedGraph()
	nodeByPath := make(map[string]pathNode, len(records))
	deduped := make([]record, 0, len(records))
	for _, rec := range records {
		if _, dup := nodeByPath[rec.Path]; dup {
			continue
		}
		n := pathNode{id: int64(len(deduped)), path: rec.Path}
		nodeByPath[rec.Path] = n
		g.AddNode(n)
		deduped = append(deduped, rec)
	}
	for _, rec := range deduped {
		from := nodeByPath[rec.Path]
		for _, dep := range rec.Dependencies {
			if dep == rec.Path {
				return nil, xerrors.Errorf("evaldriver: %q depends on itself", rec.Path)
			}
			to, ok := nodeByPath[dep]
			if !ok {
				return nil, xerrors.Errorf("evaldriver: %q depends on %q which was never emitted", rec.Path, dep)
			}
			g.SetEdge(g.NewEdge(from, to))
		}
	}
	if _, err := topo.Sort(g); err != nil {
		return nil, xerrors.Errorf("evaldriver: dependency cycle detected: %w", err)
	}

	planned := make([]PlannedBuild, 0, len(deduped))
	for _, rec := range deduped {
		planned = append(planned, PlannedBuild{
			Path:         rec.Path,
			Architecture: models.Architecture(rec.Architecture),
			Features:     rec.Features,
			Dependencies: rec.Dependencies,
		})
	}
	return planned, nil
}
