package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
)

// skipChoice is the picker entry that leaves the miss in place.
const skipChoice = "(skip this patient's entry)"

// formConfirmer offers the user a picker when a record name matched none
// of a patient's series descriptions. The pick extends the matching
// dictionary for the rest of the run.
type formConfirmer struct{}

func (c *formConfirmer) Confirm(criterion string, available []string) (string, bool) {
	if len(available) == 0 {
		return "", false
	}

	options := make([]huh.Option[string], 0, len(available)+1)
	options = append(options, huh.NewOption(skipChoice, skipChoice))
	for _, description := range available {
		options = append(options, huh.NewOption(description, description))
	}

	choice := skipChoice
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("No series matched %q. Accept one of these descriptions?", criterion)).
				Options(options...).
				Value(&choice),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "picker aborted: %v\n", err)
		return "", false
	}
	if choice == skipChoice {
		return "", false
	}
	return choice, true
}
