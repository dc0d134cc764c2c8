package store

import "fmt"

// ErrNotFound is returned when a record doesn't exist in the store.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e ErrNotFound) Error() string {
	if e.Kind == "" {
		return "record not found"
	}
	if e.ID == "" {
		return e.Kind + " not found"
	}

	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}
