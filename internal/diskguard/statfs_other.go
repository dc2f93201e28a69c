//go:build !unix

package diskguard

import "errors"

func statfs(string) (usable, total uint64, err error) {
	return 0, 0, errors.New("filesystem statistics are not supported on this platform")
}
