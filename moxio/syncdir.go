//go:build !windows

package moxio

import (
	"fmt"
	"os"

	"github.com/aox-project/aox/mlog"
)

var xlog = mlog.New("moxio")

// SyncDir opens a directory and syncs its contents to disk.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %v", err)
	}
	err = d.Sync()
	if xerr := d.Close(); xerr != nil {
		xlog.Error("closing directory after sync", mlog.Field("err", xerr))
	}
	return err
}
