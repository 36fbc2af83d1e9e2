package schema

import (
	"fmt"
	"sort"
	"time"
)

// Workout is a training session made of ordered exercises.
type Workout struct {
	Base

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"` // planned, active, done
	Archived    bool   `json:"archived,omitempty"`
	Published   bool   `json:"published,omitempty"`

	Exercises []Exercise `json:"exercises,omitempty"`

	// Duration is the recorded workout time in seconds.
	Duration    int        `json:"duration"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Completed   bool       `json:"completed,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

func (w *Workout) Kind() Kind { return KindWorkout }

// Validate checks the workout and its nested exercises.
func (w *Workout) Validate() error {
	if err := w.Base.validate(); err != nil {
		return err
	}
	if w.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(w.Name) > 500 {
		return fmt.Errorf("name must be 500 characters or less (got %d)", len(w.Name))
	}
	if w.Duration < 0 {
		return fmt.Errorf("duration must not be negative (got %d)", w.Duration)
	}
	for i := range w.Exercises {
		ex := &w.Exercises[i]
		if ex.WorkoutID != "" && ex.WorkoutID != w.ID {
			return fmt.Errorf("exercise %s belongs to workout %s", ex.ID, ex.WorkoutID)
		}
		if err := ex.validateContent(); err != nil {
			return fmt.Errorf("exercise %d: %w", i, err)
		}
	}
	return nil
}

// SortChildren orders exercises (and their sets) by the explicit order field.
func (w *Workout) SortChildren() {
	sort.SliceStable(w.Exercises, func(i, j int) bool {
		return lessByOrder(w.Exercises[i].Order, w.Exercises[i].ID, w.Exercises[j].Order, w.Exercises[j].ID)
	})
	for i := range w.Exercises {
		w.Exercises[i].SortChildren()
	}
}

// Exercise belongs to one workout and holds ordered sets.
type Exercise struct {
	Base

	WorkoutID string `json:"workout_id"`
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"` // strength, cardio, mobility
	Sets      []Set  `json:"sets,omitempty"`
	// RestTime is the rest between sets in seconds.
	RestTime int    `json:"rest_time"`
	Notes    string `json:"notes,omitempty"`
	Order    int    `json:"order"`
}

func (e *Exercise) Kind() Kind { return KindExercise }

func (e *Exercise) Validate() error {
	if err := e.Base.validate(); err != nil {
		return err
	}
	if e.WorkoutID == "" {
		return fmt.Errorf("workout_id is required")
	}
	return e.validateContent()
}

// validateContent skips the base checks so nested snapshots may omit
// tenant ids.
func (e *Exercise) validateContent() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	if e.RestTime < 0 {
		return fmt.Errorf("rest_time must not be negative (got %d)", e.RestTime)
	}
	for i := range e.Sets {
		if err := e.Sets[i].validateContent(); err != nil {
			return fmt.Errorf("set %d: %w", i, err)
		}
	}
	return nil
}

func (e *Exercise) SortChildren() {
	sort.SliceStable(e.Sets, func(i, j int) bool {
		return lessByOrder(e.Sets[i].Order, e.Sets[i].ID, e.Sets[j].Order, e.Sets[j].ID)
	})
}

// Set is one performed (or planned) set of an exercise.
type Set struct {
	Base

	ExerciseID string  `json:"exercise_id"`
	Reps       int     `json:"reps"`
	Weight     float64 `json:"weight"`
	Duration   int     `json:"duration"`
	Distance   float64 `json:"distance"`
	Completed  bool    `json:"completed,omitempty"`
	Order      int     `json:"order"`
}

func (s *Set) Kind() Kind { return KindSet }

func (s *Set) Validate() error {
	if err := s.Base.validate(); err != nil {
		return err
	}
	if s.ExerciseID == "" {
		return fmt.Errorf("exercise_id is required")
	}
	return s.validateContent()
}

func (s *Set) validateContent() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Reps < 0 || s.Weight < 0 || s.Duration < 0 || s.Distance < 0 {
		return fmt.Errorf("reps, weight, duration and distance must not be negative")
	}
	return nil
}

func lessByOrder(oi int, idi string, oj int, idj string) bool {
	if oi != oj {
		return oi < oj
	}
	return idi < idj
}
