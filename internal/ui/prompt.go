package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/steveyegge/fitsync/internal/resolver"
	"github.com/steveyegge/fitsync/internal/schema"
)

// ErrSkipped is returned when the person leaves a conflict for later.
var ErrSkipped = errors.New("conflict skipped")

// skip is the sentinel option value for "decide later".
const skip resolver.Action = ""

// ConflictChoices lists the actions that can settle rec. Merging is
// offered only when both sides exist and the kind has a merge strategy.
func ConflictChoices(rec *schema.ConflictRecord) []resolver.Action {
	choices := []resolver.Action{resolver.UseLocal, resolver.UseServer}
	if len(rec.LocalData) > 0 && len(rec.ServerData) > 0 && resolver.HasStrategy(rec.EntityType) {
		choices = append(choices, resolver.MergeBoth)
	}
	return choices
}

// DescribeAction is the menu label for a.
func DescribeAction(a resolver.Action) string {
	switch a {
	case resolver.UseLocal:
		return "Keep this device's version"
	case resolver.UseServer:
		return "Take the server's version"
	case resolver.MergeBoth:
		return "Merge both"
	default:
		return string(a)
	}
}

// DescribeConflict summarizes rec in one line.
func DescribeConflict(rec *schema.ConflictRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s/%s", strings.ReplaceAll(string(rec.ConflictType), "_", " "), rec.EntityType, rec.EntityID)
	switch {
	case len(rec.LocalData) == 0:
		b.WriteString(" (gone on this device)")
	case len(rec.ServerData) == 0:
		b.WriteString(" (gone on the server)")
	}
	return b.String()
}

// ChooseConflictAction asks which action settles rec. It needs a terminal.
func ChooseConflictAction(rec *schema.ConflictRecord) (resolver.Action, error) {
	opts := make([]huh.Option[resolver.Action], 0, 4)
	for _, a := range ConflictChoices(rec) {
		opts = append(opts, huh.NewOption(DescribeAction(a), a))
	}
	opts = append(opts, huh.NewOption("Decide later", skip))

	var choice resolver.Action
	err := huh.NewSelect[resolver.Action]().
		Title(DescribeConflict(rec)).
		Description(fmt.Sprintf("local %s, server %s",
			rec.LocalTimestamp.Local().Format("2006-01-02 15:04"),
			rec.ServerTimestamp.Local().Format("2006-01-02 15:04"))).
		Options(opts...).
		Value(&choice).
		Run()
	if err != nil {
		return "", err
	}
	if choice == skip {
		return "", ErrSkipped
	}
	return choice, nil
}

// Confirm asks a yes/no question.
func Confirm(title string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().Title(title).Value(&ok).Run()
	return ok, err
}
