//go:build openbsd

package diskguard

import "golang.org/x/sys/unix"

func statfs(path string) (usable, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.F_bsize)
	return uint64(st.F_bavail) * bsize, uint64(st.F_blocks) * bsize, nil
}
