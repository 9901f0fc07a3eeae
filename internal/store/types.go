package store

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"time"

	"github.com/cwbudde/pidtune/internal/space"
)

// Status is the lifecycle state of a trial.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRunning  Status = "RUNNING"
	StatusComplete Status = "COMPLETE"
	StatusFailed   Status = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Direction of the objective. Only minimization is supported.
type Direction string

const Minimize Direction = "minimize"

// StudySpec describes a study to create or resume.
type StudySpec struct {
	Name      string      `json:"name"`
	Direction Direction   `json:"direction"`
	Space     space.Space `json:"space"`
}

// MaxNameLength bounds study names.
const MaxNameLength = 128

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateName checks that name can be used as a study name. Names become
// key prefixes and directory names, so separators and "." or ".." are
// rejected.
func ValidateName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Field: "Name", Reason: "cannot be empty"}
	case len(name) > MaxNameLength:
		return &ValidationError{Field: "Name", Reason: fmt.Sprintf("longer than %d bytes", MaxNameLength)}
	case !namePattern.MatchString(name):
		return &ValidationError{Field: "Name", Reason: fmt.Sprintf("%q may only contain letters, digits, '.', '_' and '-' and must start with a letter or digit", name)}
	}
	return nil
}

// Validate checks the spec before it reaches a backend.
func (s StudySpec) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	if s.Direction != Minimize {
		return &ValidationError{Field: "Direction", Reason: fmt.Sprintf("unsupported direction %q", s.Direction)}
	}
	if err := s.Space.Check(); err != nil {
		return &ValidationError{Field: "Space", Reason: err.Error()}
	}
	return nil
}

// StudyInfo is the persisted study metadata.
type StudyInfo struct {
	Name      string      `json:"name"`
	Direction Direction   `json:"direction"`
	Space     space.Space `json:"space"`
	Created   time.Time   `json:"created"`
}

// Trial is one attempted evaluation of a parameter vector.
//
// Objective is set iff Status is COMPLETE and FailReason iff Status is FAILED.
// Once terminal, a trial is never modified again.
type Trial struct {
	Study  string       `json:"study"`
	ID     int64        `json:"id"`
	Params space.Vector `json:"params"`
	Status Status       `json:"status"`

	Objective  *float64 `json:"objective,omitempty"`
	FailReason string   `json:"failReason,omitempty"`

	// Claim bookkeeping. Token identifies the current claim; Claims counts
	// how many times the trial was moved to RUNNING.
	Worker       string     `json:"worker,omitempty"`
	ClaimToken   string     `json:"claimToken,omitempty"`
	Claims       int        `json:"claims"`
	LeaseExpires *time.Time `json:"leaseExpires,omitempty"`

	Created      time.Time  `json:"created"`
	Started      *time.Time `json:"started,omitempty"`
	Completed    *time.Time `json:"completed,omitempty"`
	ArtifactPath string     `json:"artifactPath,omitempty"`
}

// Clone returns a deep copy.
func (t Trial) Clone() Trial {
	c := t
	c.Params = t.Params.Clone()
	if t.Objective != nil {
		v := *t.Objective
		c.Objective = &v
	}
	c.LeaseExpires = cloneTime(t.LeaseExpires)
	c.Started = cloneTime(t.Started)
	c.Completed = cloneTime(t.Completed)
	return c
}

// Value returns the objective, or +Inf when the trial is not COMPLETE.
func (t Trial) Value() float64 {
	if t.Status != StatusComplete || t.Objective == nil {
		return math.Inf(1)
	}
	return *t.Objective
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Outcome is the result reported for a RUNNING trial.
type Outcome struct {
	Status       Status  `json:"status"`
	Objective    float64 `json:"objective,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	ArtifactPath string  `json:"artifactPath,omitempty"`
	Worker       string  `json:"worker,omitempty"`
}

// Complete builds a successful outcome.
func Complete(objective float64, artifactPath string) Outcome {
	return Outcome{Status: StatusComplete, Objective: objective, ArtifactPath: artifactPath}
}

// Failed builds a failed outcome.
func Failed(reason string) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason}
}

// Validate checks that the outcome is a terminal transition.
func (o Outcome) Validate() error {
	switch o.Status {
	case StatusComplete:
		if math.IsNaN(o.Objective) || math.IsInf(o.Objective, 0) {
			return &ValidationError{Field: "Objective", Reason: "must be finite"}
		}
	case StatusFailed:
		if o.Reason == "" {
			return &ValidationError{Field: "Reason", Reason: "cannot be empty for a failed trial"}
		}
	default:
		return &ValidationError{Field: "Status", Reason: fmt.Sprintf("%q is not a terminal status", o.Status)}
	}
	return nil
}

// apply resolves t with the outcome. The caller has checked that t is not terminal.
func (o Outcome) apply(t *Trial, now time.Time) {
	t.Status = o.Status
	if o.Status == StatusComplete {
		v := o.Objective
		t.Objective = &v
		t.FailReason = ""
	} else {
		t.Objective = nil
		t.FailReason = o.Reason
	}
	if o.Worker != "" {
		t.Worker = o.Worker
	}
	t.ArtifactPath = o.ArtifactPath
	t.ClaimToken = ""
	t.LeaseExpires = nil
	t.Completed = &now
}

// Claim identifies who claims a trial and for how long.
type Claim struct {
	Worker string        `json:"worker"`
	Lease  time.Duration `json:"lease"`
}

// Validate checks the claim parameters.
func (c Claim) Validate() error {
	if c.Worker == "" {
		return &ValidationError{Field: "Worker", Reason: "cannot be empty"}
	}
	if c.Lease <= 0 {
		return &ValidationError{Field: "Lease", Reason: "must be positive"}
	}
	return nil
}

// start moves t to RUNNING under a new claim.
func (c Claim) start(t *Trial, token string, now time.Time) {
	exp := now.Add(c.Lease)
	t.Status = StatusRunning
	t.Worker = c.Worker
	t.ClaimToken = token
	t.Claims++
	t.LeaseExpires = &exp
	if t.Started == nil {
		t.Started = &now
	}
}

// Best returns the COMPLETE trial with the lowest objective, ties broken by
// the lowest id. It returns nil if no trial completed. The result does not
// depend on the order of trials.
func Best(trials []Trial) *Trial {
	var best *Trial
	for i := range trials {
		t := &trials[i]
		if t.Status != StatusComplete || t.Objective == nil {
			continue
		}
		if best == nil || *t.Objective < *best.Objective ||
			(*t.Objective == *best.Objective && t.ID < best.ID) {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	c := best.Clone()
	return &c
}

// Summary counts trials per status.
type Summary struct {
	Pending  int    `json:"pending"`
	Running  int    `json:"running"`
	Complete int    `json:"complete"`
	Failed   int    `json:"failed"`
	Best     *Trial `json:"best,omitempty"`
}

// Resolved is the number of trials in a terminal state.
func (s Summary) Resolved() int { return s.Complete + s.Failed }

// Total is the number of trials in the study.
func (s Summary) Total() int { return s.Pending + s.Running + s.Complete + s.Failed }

// Summarize counts trials and picks the best one.
func Summarize(trials []Trial) Summary {
	var s Summary
	for _, t := range trials {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusRunning:
			s.Running++
		case StatusComplete:
			s.Complete++
		case StatusFailed:
			s.Failed++
		}
	}
	s.Best = Best(trials)
	return s
}

// SortByID orders trials by ascending id in place.
func SortByID(trials []Trial) {
	sort.Slice(trials, func(i, j int) bool { return trials[i].ID < trials[j].ID })
}
