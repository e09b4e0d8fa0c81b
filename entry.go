package remotefs

import (
	"os"
	"sort"
	"strings"
	"time"
)

// EntryKind is the normalized type of a remote directory entry.
type EntryKind int

const (
	EntryFile EntryKind = iota
	EntryDirectory
	EntryOther
)

func (k EntryKind) String() string {
	switch k {
	case EntryFile:
		return "file"
	case EntryDirectory:
		return "directory"
	default:
		return "other"
	}
}

// Entry is one remote directory entry. Entries are snapshots of a single
// listing and are never cached.
type Entry struct {
	Name    string
	Kind    EntryKind
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	Symlink bool
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Kind == EntryDirectory }

// IsDirectory reports whether raw mode bits describe a directory.
func IsDirectory(mode os.FileMode) bool {
	return mode.IsDir()
}

func kindFromMode(mode os.FileMode) EntryKind {
	switch {
	case mode.IsDir():
		return EntryDirectory
	case mode.IsRegular():
		return EntryFile
	default:
		return EntryOther
	}
}

// entryFromInfo normalizes an os.FileInfo returned by the SFTP client.
func entryFromInfo(name string, fi os.FileInfo) Entry {
	e := Entry{
		Name:    name,
		Kind:    kindFromMode(fi.Mode()),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		Symlink: fi.Mode()&os.ModeSymlink != 0,
	}
	if e.Kind != EntryDirectory {
		e.Size = fi.Size()
	}
	if e.Size < 0 {
		e.Size = 0
	}
	return e
}

// SortEntries orders entries directories first, then by case-insensitive
// name, then by exact name.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsDir() != b.IsDir() {
			return a.IsDir()
		}
		la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if la != lb {
			return la < lb
		}
		return a.Name < b.Name
	})
}

// Content is the result of reading a whole remote file.
type Content struct {
	Path string
	Data []byte
	// Binary is set when Data contains a NUL byte. It is a display hint only.
	Binary bool
}

// IsBinaryContent checks if content appears to be binary.
func IsBinaryContent(content []byte) bool {
	for _, b := range content {
		if b == 0 {
			return true
		}
	}
	return false
}
