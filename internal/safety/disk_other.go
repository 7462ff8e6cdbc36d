//go:build !linux

package safety

import "errors"

func diskUsage(string) (uint64, uint64, error) {
	return 0, 0, errors.ErrUnsupported
}
