package appstax

import (
	"errors"
	"fmt"
)

// Validation errors are detected locally and never reach the network.
var (
	// ErrUnsavedRelations is returned by Save when a directly related
	// object has not been saved yet. Use SaveAll to save the whole graph.
	ErrUnsavedRelations = errors.New("appstax: found unsaved related objects, save them first or use SaveAll")

	// ErrUnsavedObject is returned by operations that require a server id.
	ErrUnsavedObject = errors.New("appstax: object has not been saved yet")
)

// ErrPermissionFlush wraps the failure to apply staged permission
// changes after the object itself was saved. The object stays Saved and
// keeps the staged changes, so the next Save retries them.
var ErrPermissionFlush = errors.New("appstax: object saved, but applying permission changes failed")

// TransportError is an HTTP-level failure. Status is the response status
// code and Message the server-provided errorMessage, when present.
type TransportError struct {
	Status  int
	Message string
}

func (e *TransportError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("appstax: http status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("appstax: http status %d", e.Status)
}

// errorMessage extracts the server message from a transport error, or
// falls back to the plain error text.
func errorMessage(err error) string {
	var terr *TransportError
	if errors.As(err, &terr) && terr.Message != "" {
		return terr.Message
	}
	return err.Error()
}
