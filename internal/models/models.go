// Package models holds the durable entities shared by every component of
// the scheduler. None of these types talk to the database directly; that is
// internal/pgstore's job.
package models

import "time"

// EvaluationStatus is the lifecycle state of an Evaluation.
type EvaluationStatus int32

const (
	EvaluationQueued EvaluationStatus = iota
	EvaluationEvaluating
	EvaluationBuilding
	EvaluationCompleted
	EvaluationFailed
	EvaluationAborted
)

func (s EvaluationStatus) String() string {
	switch s {
	case EvaluationQueued:
		return "queued"
	case EvaluationEvaluating:
		return "evaluating"
	case EvaluationBuilding:
		return "building"
	case EvaluationCompleted:
		return "completed"
	case EvaluationFailed:
		return "failed"
	case EvaluationAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is an absorbing state.
func (s EvaluationStatus) Terminal() bool {
	switch s {
	case EvaluationCompleted, EvaluationFailed, EvaluationAborted:
		return true
	default:
		return false
	}
}

// BuildStatus is the lifecycle state of a Build.
type BuildStatus int32

const (
	BuildQueued BuildStatus = iota
	BuildBuilding
	BuildCompleted
	BuildFailed
	BuildAborted
)

func (s BuildStatus) String() string {
	switch s {
	case BuildQueued:
		return "queued"
	case BuildBuilding:
		return "building"
	case BuildCompleted:
		return "completed"
	case BuildFailed:
		return "failed"
	case BuildAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildCompleted, BuildFailed, BuildAborted:
		return true
	default:
		return false
	}
}

// Architecture enumerates the node/build target platforms the backend
// knows about. Kept as a string type since the evaluator emits
// architectures as strings on the wire.
type Architecture string

const (
	ArchX86_64Linux   Architecture = "x86_64-linux"
	ArchAarch64Linux  Architecture = "aarch64-linux"
	ArchX86_64Darwin  Architecture = "x86_64-darwin"
	ArchAarch64Darwin Architecture = "aarch64-darwin"
)

// Organization is the aggregate boundary for projects, nodes and caches.
type Organization struct {
	ID          string
	Name        string
	DisplayName string
	CreatedBy   string
	CreatedAt   time.Time
}

// Project is a registered source repository plus a wildcard selecting build
// attributes, owned by an Organization.
type Project struct {
	ID                 string
	Organization       string
	Name               string
	Repository         string
	EvaluationWildcard string
	LastEvaluation     *string
	CreatedBy          string
	CreatedAt          time.Time
}

// Commit identifies a single snapshot of a project's repository.
type Commit struct {
	ID        string
	Message   string
	Hash      []byte
	Author    *string
	CreatedAt time.Time
}

// Evaluation is the act of turning a Commit into a build DAG.
type Evaluation struct {
	ID                 string
	Project            *string // nil for direct/ad-hoc evaluations
	Repository         string
	Commit             string
	EvaluationWildcard string
	Status             EvaluationStatus
	Previous           *string
	Next               *string
	Error              *string
	CreatedAt          time.Time
}

// DirectBuild records who triggered a project-less evaluation and under
// which organization it schedules.
type DirectBuild struct {
	ID           string
	Evaluation   string
	Organization string
	CreatedBy    string
}

// Build is one derivation: the smallest dispatchable unit of work.
type Build struct {
	ID           string
	Evaluation   string
	Status       BuildStatus
	Path         string
	Architecture Architecture
	Features     []string
	DependencyOf *string
	AssignedNode *string
	Log          *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BuildDependency is a directed edge: Build depends on Dependency.
type BuildDependency struct {
	ID         string
	Build      string
	Dependency string
}

// BuildOutput is a store path produced by a Completed build.
type BuildOutput struct {
	ID        string
	Build     string
	Name      string
	Output    string
	Hash      string
	Package   string
	FileHash  *string
	FileSize  *int64
	IsCached  bool
	CA        *string
	CreatedAt time.Time
}

// BuildOutputSignature records a signature of a BuildOutput for one Cache.
type BuildOutputSignature struct {
	ID          string
	BuildOutput string
	Cache       string
	Signature   []byte
	CreatedAt   time.Time
}

// Node (the "server" table) is a remote builder machine.
type Node struct {
	ID               string
	Organization     string
	Host             string
	Port             int32
	Capacity         int32 // concurrent-lease ceiling NCP enforces
	Architectures    []Architecture
	Features         []string
	LastConnectionAt time.Time
	CreatedBy        string
	CreatedAt        time.Time
}

// Cache is a content-addressed object store outputs can be published to.
type Cache struct {
	ID          string
	Name        string
	DisplayName string
	Description string
	Active      bool
	Priority    int32
	SigningKey  []byte
	Managed     bool
	CreatedBy   string
	CreatedAt   time.Time
}

// Satisfies reports whether the node declares arch and a superset of
// features, per NCP's acquire() contract.
func (n Node) Satisfies(arch Architecture, features []string) bool {
	var hasArch bool
	for _, a := range n.Architectures {
		if a == arch {
			hasArch = true
			break
		}
	}
	if !hasArch {
		return false
	}
	have := make(map[string]bool, len(n.Features))
	for _, f := range n.Features {
		have[f] = true
	}
	for _, f := range features {
		if !have[f] {
			return false
		}
	}
	return true
}
