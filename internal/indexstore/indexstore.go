// Package indexstore is a read-only poller over the on-disk unit files
// child compiler processes write during indexing: one `*.unit` file per
// (file, target) pair, each starting with a one-line, space-separated header this
// package parses to answer freshness queries. There is no write path here
// deliberately: the core never persists its own scheduling state, it only
// reads what's already on disk.
package indexstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/standardbeagle/workspacecore/internal/types"
)

// magic is the header's format tag, mirroring the teacher's habit of
// version-tagging its own binary record formats (e.g. idcodec headers).
const magic = "WCUNIT1"

// UnitRecord describes one on-disk unit file's header.
type UnitRecord struct {
	File       types.FileID
	Target     types.TargetID
	RecordPath string
	Timestamp  time.Time

	// ArgsHash is carried but never consulted to invalidate the index;
	// compiler-args-only re-indexing is an explicit Open Question left
	// unimplemented (see DESIGN.md). It's parsed here so a future change
	// can use it without touching the on-disk format.
	ArgsHash string
}

// Store polls dir for unit files on demand; it caches nothing between
// calls, since the directory is small and written to by processes outside
// this one.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir. dir need not exist yet (a workspace
// with no completed indexing runs simply reports nothing fresh).
func Open(dir string) *Store {
	return &Store{dir: dir}
}

// Freshness reports the most recent unit-file timestamp recorded for
// (file, target), or ok=false if no unit file exists for that pair.
func (s *Store) Freshness(file types.FileID, target types.TargetID) (ts time.Time, ok bool, err error) {
	records, err := s.records()
	if err != nil {
		return time.Time{}, false, err
	}
	for _, r := range records {
		if r.File == file && r.Target == target {
			if !ok || r.Timestamp.After(ts) {
				ts = r.Timestamp
				ok = true
			}
		}
	}
	return ts, ok, nil
}

// IsFresherThan reports whether a unit file for (file, target) exists whose
// header timestamp is at or after since.
func (s *Store) IsFresherThan(file types.FileID, target types.TargetID, since time.Time) (bool, error) {
	ts, ok, err := s.Freshness(file, target)
	if err != nil || !ok {
		return false, err
	}
	return !ts.Before(since), nil
}

func (s *Store) records() ([]UnitRecord, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.unit"))
	if err != nil {
		return nil, fmt.Errorf("list unit files: %w", err)
	}
	records := make([]UnitRecord, 0, len(paths))
	for _, path := range paths {
		r, err := parseUnitFile(path)
		if err != nil {
			continue // a unit file being written concurrently is expected; skip, don't fail the whole poll
		}
		records = append(records, r)
	}
	return records, nil
}

// parseUnitFile reads the space-separated header line every unit file
// starts with: "WCUNIT1 <file> <target> <unix-nanos> <args-hash>\n".
func parseUnitFile(path string) (UnitRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return UnitRecord{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return UnitRecord{}, fmt.Errorf("empty unit file %s", path)
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) != 5 || fields[0] != magic {
		return UnitRecord{}, fmt.Errorf("malformed unit header in %s", path)
	}

	nanos, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return UnitRecord{}, fmt.Errorf("bad timestamp in %s: %w", path, err)
	}

	return UnitRecord{
		File:       types.FileID(fields[1]),
		Target:     types.TargetID(fields[2]),
		RecordPath: path,
		Timestamp:  time.Unix(0, nanos),
		ArgsHash:   fields[4],
	}, nil
}
