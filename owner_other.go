//go:build !unix

package arcfs

import "io/fs"

func fileOwner(info fs.FileInfo) (uid, gid int, ok bool) {
	return 0, 0, false
}
