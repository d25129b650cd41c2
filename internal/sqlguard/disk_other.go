//go:build !unix

package sqlguard

import "errors"

func FreeBytes(string) (uint64, error) {
	return 0, errors.New("free space probe is not supported on this platform")
}
