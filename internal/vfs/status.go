package vfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/fuse"
	"github.com/rfratto/viofs/internal/virtio"
)

// Status is a guest-native status code, using NTSTATUS values. Status
// implements error so adapter operations can return it directly.
type Status uint32

// Status codes returned by FileSystem.
const (
	StatusSuccess               Status = 0x00000000
	StatusStoppedOnSymlink      Status = 0x8000002D
	StatusUnsuccessful          Status = 0xC0000001
	StatusNotImplemented        Status = 0xC0000002
	StatusInvalidHandle         Status = 0xC0000008
	StatusInvalidParameter      Status = 0xC000000D
	StatusEndOfFile             Status = 0xC0000011
	StatusAccessDenied          Status = 0xC0000022
	StatusObjectNameNotFound    Status = 0xC0000034
	StatusObjectNameCollision   Status = 0xC0000035
	StatusDiskFull              Status = 0xC000007F
	StatusInsufficientResources Status = 0xC000009A
	StatusFileIsADirectory      Status = 0xC00000BA
	StatusNotSupported          Status = 0xC00000BB
	StatusDirectoryNotEmpty     Status = 0xC0000101
	StatusNotADirectory         Status = 0xC0000103
	StatusNameTooLong           Status = 0xC0000106
	StatusCancelled             Status = 0xC0000120
	StatusIoDeviceError         Status = 0xC0000185
	StatusNotAReparsePoint      Status = 0xC0000275
)

var statusNames = map[Status]string{
	StatusSuccess:               "STATUS_SUCCESS",
	StatusStoppedOnSymlink:      "STATUS_STOPPED_ON_SYMLINK",
	StatusUnsuccessful:          "STATUS_UNSUCCESSFUL",
	StatusNotImplemented:        "STATUS_NOT_IMPLEMENTED",
	StatusInvalidHandle:         "STATUS_INVALID_HANDLE",
	StatusInvalidParameter:      "STATUS_INVALID_PARAMETER",
	StatusEndOfFile:             "STATUS_END_OF_FILE",
	StatusAccessDenied:          "STATUS_ACCESS_DENIED",
	StatusObjectNameNotFound:    "STATUS_OBJECT_NAME_NOT_FOUND",
	StatusObjectNameCollision:   "STATUS_OBJECT_NAME_COLLISION",
	StatusDiskFull:              "STATUS_DISK_FULL",
	StatusInsufficientResources: "STATUS_INSUFFICIENT_RESOURCES",
	StatusFileIsADirectory:      "STATUS_FILE_IS_A_DIRECTORY",
	StatusNotSupported:          "STATUS_NOT_SUPPORTED",
	StatusDirectoryNotEmpty:     "STATUS_DIRECTORY_NOT_EMPTY",
	StatusNotADirectory:         "STATUS_NOT_A_DIRECTORY",
	StatusNameTooLong:           "STATUS_NAME_TOO_LONG",
	StatusCancelled:             "STATUS_CANCELLED",
	StatusIoDeviceError:         "STATUS_IO_DEVICE_ERROR",
	StatusNotAReparsePoint:      "STATUS_NOT_A_REPARSE_POINT",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("NTSTATUS(%#08x)", uint32(s))
}

// Error implements error.
func (s Status) Error() string { return s.String() }

// errnoStatus maps host errors to guest status.
var errnoStatus = map[fine.Error]Status{
	fine.ErrorUnauthorized:  StatusAccessDenied,
	fine.ErrorNotPermitted:  StatusAccessDenied,
	fine.ErrorNotExist:      StatusObjectNameNotFound,
	fine.ErrorIO:            StatusIoDeviceError,
	fine.ErrorBadHandle:     StatusInvalidHandle,
	fine.ErrorNoMemory:      StatusInsufficientResources,
	fine.ErrorExists:        StatusObjectNameCollision,
	fine.ErrorInvalid:       StatusInvalidParameter,
	fine.ErrorNameTooLong:   StatusNameTooLong,
	fine.ErrorUnimplemented: StatusNotImplemented,
	fine.ErrorNotSupported:  StatusNotSupported,
	fine.ErrorNotEmpty:      StatusDirectoryNotEmpty,
	fine.ErrorLoop:          StatusStoppedOnSymlink,
	fine.ErrorNoSpace:       StatusDiskFull,
	fine.ErrorNotDirectory:  StatusNotADirectory,
	fine.ErrorIsDirectory:   StatusFileIsADirectory,
	fine.ErrorStale:         StatusObjectNameNotFound,
	fine.ErrorInterrupted:   StatusCancelled,
}

// StatusFromError maps an error returned by the session or transport to a
// guest status. For aggregated errors, the first error decides.
func StatusFromError(err error) Status {
	if err == nil {
		return StatusSuccess
	}

	var merr *multierror.Error
	if errors.As(err, &merr) && len(merr.Errors) > 0 {
		err = merr.Errors[0]
	}

	var st Status
	if errors.As(err, &st) {
		return st
	}

	switch {
	case errors.Is(err, fine.ErrorInterrupted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return StatusCancelled
	case errors.Is(err, virtio.ErrResourceExhausted):
		return StatusInsufficientResources
	case errors.Is(err, fuse.ErrProtocol), errors.Is(err, virtio.ErrClosed):
		return StatusIoDeviceError
	}

	var errno fine.Error
	if errors.As(err, &errno) {
		if st, ok := errnoStatus[errno]; ok {
			return st
		}
	}
	return StatusUnsuccessful
}
