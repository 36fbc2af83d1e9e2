package resolver

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/steveyegge/fitsync/internal/schema"
)

// NoteSeparator joins diverging notes so neither side is lost.
const NoteSeparator = "\n---\n"

// HasStrategy reports whether kind has a field-level merge.
func HasStrategy(kind schema.Kind) bool {
	switch kind {
	case schema.KindWorkout, schema.KindExercise, schema.KindSet, schema.KindUserProfile:
		return true
	default:
		return false
	}
}

// Merge combines the local and server snapshots of one entity.
//
// Every field except UserProfile.Email is merged symmetrically, so
// Merge(a, b) and Merge(b, a) agree on content. Merging a result again
// with either input changes nothing but the version.
//
// The result has version max+1, the later last_modified and status synced.
func Merge(local, server schema.Entity) (schema.Entity, error) {
	if local == nil || server == nil {
		return nil, fmt.Errorf("merge needs both sides")
	}
	if local.Kind() != server.Kind() {
		return nil, fmt.Errorf("cannot merge %s with %s", local.Kind(), server.Kind())
	}
	if local.Meta().ID != server.Meta().ID {
		return nil, fmt.Errorf("cannot merge %s %s with %s", local.Kind(), local.Meta().ID, server.Meta().ID)
	}

	var out schema.Entity
	switch l := local.(type) {
	case *schema.Workout:
		w := mergeWorkout(l, server.(*schema.Workout))
		out = &w
	case *schema.Exercise:
		e := mergeExercise(l, server.(*schema.Exercise))
		out = &e
	case *schema.Set:
		s := mergeSet(l, server.(*schema.Set))
		out = &s
	case *schema.UserProfile:
		p := mergeProfile(l, server.(*schema.UserProfile))
		out = &p
	default:
		return nil, fmt.Errorf("no merge strategy for %s", local.Kind())
	}

	m := out.Meta()
	m.Version = max(local.Meta().Version, server.Meta().Version) + 1
	m.SyncStatus = schema.StatusSynced
	return out, nil
}

// side tells which snapshot was modified last: -1 a, +1 b, 0 tie.
func side(a, b *schema.Base) int {
	return b.LastModified.Compare(a.LastModified)
}

// mergeBase merges bookkeeping for nested snapshots; the top-level caller
// overrides version and status.
func mergeBase(a, b *schema.Base) schema.Base {
	return schema.Base{
		ID:           a.ID,
		TenantID:     pickString(a.TenantID, b.TenantID, side(a, b)),
		LastModified: laterTime(a.LastModified, b.LastModified),
		Version:      max(a.Version, b.Version),
		SyncStatus:   schema.Status(pickString(string(a.SyncStatus), string(b.SyncStatus), side(a, b))),
		Deleted:      a.Deleted || b.Deleted,
	}
}

func mergeWorkout(a, b *schema.Workout) schema.Workout {
	s := side(&a.Base, &b.Base)
	w := schema.Workout{
		Base:        mergeBase(&a.Base, &b.Base),
		Name:        pickString(a.Name, b.Name, s),
		Description: pickString(a.Description, b.Description, s),
		Status:      pickString(a.Status, b.Status, s),
		Archived:    pickBool(a.Archived, b.Archived, s),
		Published:   pickBool(a.Published, b.Published, s),
		Duration:    max(a.Duration, b.Duration),
		StartedAt:   earliest(a.StartedAt, b.StartedAt),
		CompletedAt: latest(a.CompletedAt, b.CompletedAt),
		Completed:   a.Completed || b.Completed,
		Notes:       mergeNotes(a.Notes, b.Notes, s),
	}
	w.Exercises = unionByID(a.Exercises, b.Exercises,
		func(e schema.Exercise) string { return e.ID },
		func(x, y schema.Exercise) schema.Exercise { return mergeExercise(&x, &y) })
	w.SortChildren()
	return w
}

func mergeExercise(a, b *schema.Exercise) schema.Exercise {
	s := side(&a.Base, &b.Base)
	e := schema.Exercise{
		Base:      mergeBase(&a.Base, &b.Base),
		WorkoutID: pickString(a.WorkoutID, b.WorkoutID, s),
		Name:      pickString(a.Name, b.Name, s),
		Type:      pickString(a.Type, b.Type, s),
		RestTime:  pickInt(a.RestTime, b.RestTime, s),
		Notes:     mergeNotes(a.Notes, b.Notes, s),
		Order:     pickInt(a.Order, b.Order, s),
	}
	e.Sets = unionByID(a.Sets, b.Sets,
		func(s schema.Set) string { return s.ID },
		func(x, y schema.Set) schema.Set { return mergeSet(&x, &y) })
	e.SortChildren()
	return e
}

func mergeSet(a, b *schema.Set) schema.Set {
	s := side(&a.Base, &b.Base)
	return schema.Set{
		Base:       mergeBase(&a.Base, &b.Base),
		ExerciseID: pickString(a.ExerciseID, b.ExerciseID, s),
		Reps:       max(a.Reps, b.Reps),
		Weight:     max(a.Weight, b.Weight),
		Duration:   max(a.Duration, b.Duration),
		Distance:   max(a.Distance, b.Distance),
		Completed:  a.Completed || b.Completed,
		Order:      pickInt(a.Order, b.Order, s),
	}
}

func mergeProfile(local, server *schema.UserProfile) schema.UserProfile {
	s := side(&local.Base, &server.Base)
	return schema.UserProfile{
		Base:    mergeBase(&local.Base, &server.Base),
		Email:   server.Email,
		Name:    pickString(local.Name, server.Name, s),
		Profile: mergeMaps(local.Profile, server.Profile, s),
	}
}

func pickString(a, b string, s int) string {
	switch {
	case s < 0:
		return a
	case s > 0:
		return b
	default:
		return max(a, b)
	}
}

func pickInt(a, b, s int) int {
	switch {
	case s < 0:
		return a
	case s > 0:
		return b
	default:
		return max(a, b)
	}
}

func pickBool(a, b bool, s int) bool {
	switch {
	case s < 0:
		return a
	case s > 0:
		return b
	default:
		return a || b
	}
}

func laterTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

// mergeNotes keeps both texts, older first. A side that already contains
// the other absorbs it.
func mergeNotes(a, b string, s int) string {
	switch {
	case a == b || strings.Contains(a, b):
		return a
	case strings.Contains(b, a):
		return b
	}
	first, second := a, b
	if s < 0 || (s == 0 && b < a) {
		first, second = b, a
	}
	return first + NoteSeparator + second
}

// unionByID merges two child lists keyed by id. Children present on one
// side are kept as they are.
func unionByID[T any](a, b []T, id func(T) string, merge func(T, T) T) []T {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	byID := make(map[string]T, len(a)+len(b))
	for _, x := range a {
		byID[id(x)] = x
	}
	for _, y := range b {
		if x, ok := byID[id(y)]; ok {
			byID[id(y)] = merge(x, y)
		} else {
			byID[id(y)] = y
		}
	}
	out := make([]T, 0, len(byID))
	for _, k := range slices.Sorted(maps.Keys(byID)) {
		out = append(out, byID[k])
	}
	return out
}

// mergeMaps merges nested documents key by key. Nested maps recurse;
// other values come from the newer side, ties from the larger encoding.
func mergeMaps(a, b map[string]any, s int) map[string]any {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, bv := range b {
		av, ok := out[k]
		if !ok {
			out[k] = bv
			continue
		}
		am, aIsMap := av.(map[string]any)
		bm, bIsMap := bv.(map[string]any)
		switch {
		case aIsMap && bIsMap:
			out[k] = mergeMaps(am, bm, s)
		case s < 0:
			out[k] = av
		case s > 0:
			out[k] = bv
		default:
			if encoded(bv) > encoded(av) {
				out[k] = bv
			}
		}
	}
	return out
}

func encoded(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
