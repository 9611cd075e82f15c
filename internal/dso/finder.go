package dso

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/profiletools/perfreport/internal/binfile"
)

const (
	vdsoPath        = "[vdso]"
	systemDebugDir  = "/usr/lib/debug"
	buildIDListName = "build_id_list"
)

// buildIDCacheSize bounds the on-disk build id read cache. Candidate
// probing reads the same files over and over when many dsos share a
// symfs directory.
const buildIDCacheSize = 256

// DebugFileFinder maps a (dso path, bitness, build id) triple to the
// on-disk file symbols should be read from. Resolution is layered: a
// build_id_list index inside the symfs directory, then the symfs
// mirror of the dso path, then the system debug directory, and plain
// vdso overrides for the "[vdso]" pseudo path.
type DebugFileFinder struct {
	symfsDir      string
	buildIDToFile map[string]string
	vdso32        string
	vdso64        string

	buildIDCache *lru.Cache[string, binfile.BuildID]
}

func NewDebugFileFinder() *DebugFileFinder {
	cache, _ := lru.New[string, binfile.BuildID](buildIDCacheSize)
	return &DebugFileFinder{buildIDCache: cache}
}

func (f *DebugFileFinder) Reset() {
	f.symfsDir = ""
	f.buildIDToFile = nil
	f.vdso32 = ""
	f.vdso64 = ""
	f.buildIDCache.Purge()
}

// SetSymFS points the finder at a directory holding symbolized copies
// of the recorded binaries. A build_id_list file inside it, with
// HEX_BUILD_ID=relative_path lines, maps build ids to files directly.
func (f *DebugFileFinder) SetSymFS(dir string) error {
	name := dir
	if name != "" {
		st, err := os.Stat(dir)
		if err != nil || !st.IsDir() {
			return fmt.Errorf("invalid symfs dir %q", dir)
		}
		if !strings.HasSuffix(name, "/") {
			name += "/"
		}
	}
	f.symfsDir = name
	f.buildIDToFile = nil
	data, err := os.ReadFile(f.symfsDir + buildIDListName)
	if err != nil {
		return nil
	}
	f.buildIDToFile = make(map[string]string)
	for line := range strings.Lines(string(data)) {
		line = strings.TrimSuffix(line, "\n")
		items := strings.Split(line, "=")
		if len(items) != 2 {
			continue
		}
		f.buildIDToFile[items[0]] = items[1]
	}
	return nil
}

func (f *DebugFileFinder) SetVdsoFile(path string, is64bit bool) {
	if is64bit {
		f.vdso64 = path
	} else {
		f.vdso32 = path
	}
}

// FindDebugFile resolves the file to load symbols for dsoPath from,
// falling back to dsoPath itself when nothing better verifies.
func (f *DebugFileFinder) FindDebugFile(dsoPath string, force64bit bool, buildID binfile.BuildID) string {
	if dsoPath == vdsoPath {
		if force64bit && f.vdso64 != "" {
			return f.vdso64
		}
		if !force64bit && f.vdso32 != "" {
			return f.vdso32
		}
	} else if f.symfsDir != "" {
		if buildID.IsEmpty() {
			buildID = f.buildIDForPath(dsoPath)
		}
		if !buildID.IsEmpty() {
			if rel, ok := f.buildIDToFile[buildID.String()]; ok {
				if path := f.symfsDir + rel; f.buildIDForPath(path).Equal(buildID) {
					return path
				}
			}
			if path := f.symfsDir + dsoPath; f.buildIDForPath(path).Equal(buildID) {
				return path
			}
			if path := systemDebugDir + dsoPath; f.buildIDForPath(path).Equal(buildID) {
				return path
			}
		}
	}
	return dsoPath
}

// buildIDForPath reads (and caches) the build id stored in the file at
// path; the empty build id stands for unreadable or absent.
func (f *DebugFileFinder) buildIDForPath(path string) binfile.BuildID {
	if id, ok := f.buildIDCache.Get(path); ok {
		return id
	}
	id, err := binfile.ReadBuildID(path)
	if err != nil {
		slog.Debug("no build id", "path", path, "error", err)
		id = binfile.BuildID{}
	}
	f.buildIDCache.Add(path, id)
	return id
}
