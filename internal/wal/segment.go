package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

func segmentFileName(id int64) string {
	return fmt.Sprintf("segment-%020d.wal", id)
}

// finalSegmentFileName is the name rotateLocked renames a segment to once
// it stops accepting writes, per the WAL file format's ".final suffix
// once rotated" rule.
func finalSegmentFileName(id int64) string {
	return segmentFileName(id) + ".final"
}

func parseSegmentID(name string) (int64, bool) {
	name = strings.TrimSuffix(name, ".final")
	if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".wal") {
		return 0, false
	}
	idStr := strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".wal")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// segmentFile is one segment file found on disk.
type segmentFile struct {
	id    int64
	path  string
	final bool
}

// listSegmentFiles returns every segment file in dir, sorted ascending by
// id, with the path each id actually lives at (active or finalized).
func listSegmentFiles(dir string) ([]segmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir: %w", err)
	}
	var files []segmentFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := parseSegmentID(e.Name())
		if !ok {
			continue
		}
		files = append(files, segmentFile{
			id:    id,
			path:  filepath.Join(dir, e.Name()),
			final: strings.HasSuffix(e.Name(), ".final"),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id < files[j].id })
	return files, nil
}

// listSegments returns every segment id present in dir, sorted ascending.
func listSegments(dir string) ([]int64, error) {
	files, err := listSegmentFiles(dir)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(files))
	for i, f := range files {
		ids[i] = f.id
	}
	return ids, nil
}

// readSegmentFile replays every well-formed frame in path, stopping (but
// not failing) at the first torn or truncated record, since that can only
// be the tail of a write that was interrupted by a crash.
func readSegmentFile(path string, segmentID int64) ([]record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var records []record
	for {
		rec, err := readFrame(br)
		if err != nil {
			if err == io.EOF {
				break
			}
			break // torn tail record; everything before it is still valid
		}
		rec.segmentID = segmentID
		records = append(records, rec)
	}
	return records, nil
}

func segmentPath(dir string, id int64) string {
	return filepath.Join(dir, segmentFileName(id))
}

func finalSegmentPath(dir string, id int64) string {
	return filepath.Join(dir, finalSegmentFileName(id))
}

// removeSegment deletes the on-disk file for segment id. It tries the
// finalized name first, since rotateLocked renames into it, and falls
// back to the active name in case that rename failed and left the
// original file in place.
func removeSegment(dir string, id int64) error {
	err := os.Remove(finalSegmentPath(dir, id))
	if err == nil || !os.IsNotExist(err) {
		return err
	}
	return os.Remove(segmentPath(dir, id))
}
