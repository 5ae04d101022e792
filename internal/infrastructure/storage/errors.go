package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConflict is the sentinel for invariant-violating writes. Use
// errors.Is(err, ErrConflict) to detect it regardless of the wrapping type.
var ErrConflict = errors.New("conflicting write")

// LinkConflictError reports transaction ids that already hold an active link
// somewhere else. The whole link call is rejected with no partial writes.
type LinkConflictError struct {
	TransactionIDs []string
}

func (e *LinkConflictError) Error() string {
	return fmt.Sprintf("transactions already actively linked: %s", strings.Join(e.TransactionIDs, ", "))
}

// Is lets errors.Is(err, ErrConflict) match a LinkConflictError.
func (e *LinkConflictError) Is(target error) bool {
	return target == ErrConflict
}
