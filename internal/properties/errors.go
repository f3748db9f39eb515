package properties

import "errors"

var (
	// ErrUnknownProperty is returned for a property id that is not in the table.
	ErrUnknownProperty = errors.New("properties: unknown property")

	// ErrNotSettable is returned for a write to a read-only property.
	ErrNotSettable = errors.New("properties: property is not settable")
)
