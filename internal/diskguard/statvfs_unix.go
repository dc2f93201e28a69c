//go:build netbsd || solaris || illumos

package diskguard

import "golang.org/x/sys/unix"

func statfs(path string) (usable, total uint64, err error) {
	var st unix.Statvfs_t
	if err := unix.Statvfs(path, &st); err != nil {
		return 0, 0, err
	}
	frsize := uint64(st.Frsize)
	return uint64(st.Bavail) * frsize, uint64(st.Blocks) * frsize, nil
}
