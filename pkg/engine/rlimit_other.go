//go:build !unix

package engine

import "errors"

func openFileLimit() (uint64, error) {
	return 0, errors.ErrUnsupported
}
