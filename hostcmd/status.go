package hostcmd

import (
	"errors"
	"strconv"

	"github.com/oxplot/go-usbc"
)

// Status is the result code of a host command, as sent on the wire.
type Status uint8

// Status codes.
const (
	StatusSuccess        Status = 0
	StatusInvalidCommand Status = 1
	StatusError          Status = 2
	StatusInvalidParam   Status = 3
	StatusInvalidVersion Status = 6
	StatusTimeout        Status = 10
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusInvalidCommand:
		return "INVALID_COMMAND"
	case StatusError:
		return "ERROR"
	case StatusInvalidParam:
		return "INVALID_PARAM"
	case StatusInvalidVersion:
		return "INVALID_VERSION"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return "STATUS(" + strconv.Itoa(int(s)) + ")"
	}
}

var (
	// ErrInvalidCommand is returned for a command that is not registered.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrInvalidVersion is returned for a command version the handler does not
	// support.
	ErrInvalidVersion = errors.New("invalid command version")
)

// StatusFor maps err to the status reported to the host. Any error not
// otherwise classified is a chip or bus failure.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, usbc.ErrTimeout):
		return StatusTimeout
	case errors.Is(err, usbc.ErrInvalidParam), errors.Is(err, usbc.ErrInvalidPort):
		return StatusInvalidParam
	case errors.Is(err, ErrInvalidVersion):
		return StatusInvalidVersion
	case errors.Is(err, ErrInvalidCommand):
		return StatusInvalidCommand
	default:
		return StatusError
	}
}
