package authority

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/noticeguard/pkg/policy"
)

// ErrSubjectNotFound is returned when the directory has no active assignment
// for a subject
var ErrSubjectNotFound = errors.New("authority: subject not found")

// Source resolves a subject's authoritative permission snapshot
type Source interface {
	Resolve(ctx context.Context, subjectID string) (*policy.Snapshot, error)
}

// StaticDirectory resolves subjects from an in-memory role map
type StaticDirectory struct {
	matrix policy.Matrix
	now    func() time.Time

	mu    sync.RWMutex
	roles map[string]policy.RoleCode
}

// NewStaticDirectory creates a directory seeded with roles
func NewStaticDirectory(matrix policy.Matrix, roles map[string]policy.RoleCode) *StaticDirectory {
	d := &StaticDirectory{
		matrix: matrix,
		now:    time.Now,
		roles:  make(map[string]policy.RoleCode, len(roles)),
	}
	for subject, role := range roles {
		d.roles[subject] = role
	}
	return d
}

// Assign sets a subject's role. Only the role code is kept.
func (d *StaticDirectory) Assign(_ context.Context, a Assignment) error {
	if _, ok := d.matrix.Lookup(a.RoleCode); !ok {
		return fmt.Errorf("%w: %q", policy.ErrUnknownRole, a.RoleCode)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[a.SubjectID] = a.RoleCode
	return nil
}

// Deactivate deletes a subject's assignment
func (d *StaticDirectory) Deactivate(_ context.Context, subjectID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.roles[subjectID]; !ok {
		return ErrSubjectNotFound
	}
	delete(d.roles, subjectID)
	return nil
}

// Resolve implements Source
func (d *StaticDirectory) Resolve(_ context.Context, subjectID string) (*policy.Snapshot, error) {
	d.mu.RLock()
	role, ok := d.roles[subjectID]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrSubjectNotFound
	}
	return d.matrix.BuildSnapshot(subjectID, role, d.now())
}

// Deduplicated collapses concurrent resolutions of the same subject into one
// call to the wrapped source
type Deduplicated struct {
	source Source
	group  singleflight.Group
}

// NewDeduplicated wraps source
func NewDeduplicated(source Source) *Deduplicated {
	return &Deduplicated{source: source}
}

// Resolve implements Source
func (d *Deduplicated) Resolve(ctx context.Context, subjectID string) (*policy.Snapshot, error) {
	v, err, _ := d.group.Do(subjectID, func() (interface{}, error) {
		return d.source.Resolve(ctx, subjectID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*policy.Snapshot), nil
}
