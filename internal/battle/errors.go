package battle

import (
	"errors"
	"fmt"
)

// Error categories. Every specific error below wraps exactly one of them.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrConflict        = errors.New("conflict")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInfrastructure  = errors.New("infrastructure unavailable")
)

var (
	ErrUserNotFound        = fmt.Errorf("user %w", ErrNotFound)
	ErrBattleNotFound      = fmt.Errorf("battle %w", ErrNotFound)
	ErrParticipantNotFound = fmt.Errorf("participant %w", ErrNotFound)
	ErrProblemNotFound     = fmt.Errorf("problem %w", ErrNotFound)

	ErrBattleNotJoinable = fmt.Errorf("battle is not accepting new players: %w", ErrInvalidState)
	ErrAlreadyEnded      = fmt.Errorf("battle already ended: %w", ErrInvalidState)

	ErrBattleFull         = fmt.Errorf("battle is full: %w", ErrConflict)
	ErrAlreadyParticipant = fmt.Errorf("user is already in this battle: %w", ErrConflict)
	ErrUserAlreadyActive  = fmt.Errorf("user is already in an active battle: %w", ErrConflict)
	ErrRoomCodeTaken      = fmt.Errorf("room code already in use: %w", ErrConflict)
)

// Infra marks err as a transient infrastructure failure.
func Infra(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInfrastructure, err)
}

// IsDomain reports whether err already carries one of the categories above.
func IsDomain(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInfrastructure)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidArgument)
}
