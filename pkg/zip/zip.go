// Package zip bundles rendered images into a single download.
package zip

import (
	"archive/zip"
	"fmt"
	"io"
	"time"
)

type Entry struct {
	Name     string
	Data     []byte
	Modified time.Time
}

// Write streams entries into a zip archive on w. Images are already
// compressed, so entries are stored rather than deflated.
func Write(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.Name, Method: zip.Store, Modified: e.Modified}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("zip: add %s: %w", e.Name, err)
		}
		if _, err := fw.Write(e.Data); err != nil {
			return fmt.Errorf("zip: write %s: %w", e.Name, err)
		}
	}
	return zw.Close()
}
