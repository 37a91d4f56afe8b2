package cli

import "errors"

var (
	errConflictingSources = errors.New("choose exactly one of --orphans, --all, --serials-file or --interactive")
	errNoDevices          = errors.New("no devices selected")
	errNeedsConfirmation  = errors.New("refusing to modify devices without --yes (or use --dry-run)")
	errUnknownOutput      = errors.New("unknown output format")
	errPickerCancelled    = errors.New("selection cancelled")
)

// usageError marks errors caused by operator input rather than the environment.
type usageError struct {
	err error
}

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

func usage(err error) error {
	return usageError{err: err}
}
