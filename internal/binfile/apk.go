package binfile

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"
)

// APK-embedded entries are addressed with the container!/entry URL
// convention, e.g. "/data/app/base.apk!/lib/arm64/libfoo.so".
const apkURLSeparator = "!/"

// SplitURLInAPK splits a container!/entry path. ok is false when path
// does not use the convention.
func SplitURLInAPK(path string) (apk, entry string, ok bool) {
	i := strings.Index(path, apkURLSeparator)
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+len(apkURLSeparator):], true
}

// readEntryInAPK returns the raw bytes of one zip entry. The embedded
// native libraries we care about are small enough to hold in memory,
// and debug/elf wants an io.ReaderAt anyway.
func readEntryInAPK(apkPath, entryName string) ([]byte, error) {
	r, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrFileMalformed, apkPath, err)
	}
	defer r.Close()
	for _, f := range r.File {
		if f.Name != entryName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open entry %s in %s: %v", ErrReadFailed, entryName, apkPath, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("%w: read entry %s in %s: %v", ErrReadFailed, entryName, apkPath, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: no entry %s in %s", ErrFileNotFound, entryName, apkPath)
}
