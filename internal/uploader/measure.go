package uploader

import (
	"io/fs"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// `measure()` computes the total byte size of the source tree, the way
// `du -x` would: when device checking is enabled, subtrees on a different
// filesystem than the root are not descended.  On NFS sources, device
// numbers are unreliable, so everything is counted.
func (c *Controller) measure() (int64, error) {
	root := c.Run.SourcePath

	var rootDev uint64
	if c.Cfg.CheckDevice {
		var st syscall.Stat_t
		if err := syscall.Stat(root, &st); err != nil {
			return 0, err
		}
		rootDev = uint64(st.Dev)
	}

	var total int64
	err := filepath.WalkDir(root, func(
		path string, d fs.DirEntry, err error,
	) error {
		if err != nil {
			// Files may vanish while the instrument reorganizes;
			// skip them rather than failing the measurement.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if c.Cfg.CheckDevice {
			if st, ok := fi.Sys().(*syscall.Stat_t); ok {
				if uint64(st.Dev) != rootDev {
					if d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
			}
		}
		if fi.Mode().IsRegular() {
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

// `sysSync()` asks the kernel to flush dirty pages, so that the size
// measurement and the completion sentinel reflect recent instrument writes.
func sysSync() {
	unix.Sync()
}
