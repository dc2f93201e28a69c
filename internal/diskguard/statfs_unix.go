//go:build unix && !(netbsd || openbsd || solaris || illumos)

package diskguard

import "golang.org/x/sys/unix"

func statfs(path string) (usable, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return uint64(st.Bavail) * bsize, uint64(st.Blocks) * bsize, nil
}
