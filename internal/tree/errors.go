package tree

import "errors"

// Errors returned by namespace operations.
var (
	ErrNotFound      = errors.New("name not found")
	ErrDuplicateName = errors.New("duplicate name")
	ErrInvalidName   = errors.New("invalid name")
	ErrAttached      = errors.New("item already has a parent")
	ErrNotChild      = errors.New("item is not a child")
	ErrCycle         = errors.New("item would become its own ancestor")
	ErrHasInterest   = errors.New("item still has interest")
	ErrCircularUsing = errors.New("circular using")
	ErrUsingNotFound = errors.New("using not found")
	ErrRootMutation  = errors.New("root cannot be moved or deleted")
)
