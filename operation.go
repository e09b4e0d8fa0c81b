package remotefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// OpKind names a file operation the executor can run.
type OpKind int

const (
	OpList OpKind = iota
	OpStat
	OpMkdir
	OpRmdir
	OpRemove
	OpRename
	OpGet
	OpPut
	OpRead
	OpWrite
)

var opNames = [...]string{
	OpList:   "list",
	OpStat:   "stat",
	OpMkdir:  "mkdir",
	OpRmdir:  "rmdir",
	OpRemove: "rm",
	OpRename: "rename",
	OpGet:    "get",
	OpPut:    "put",
	OpRead:   "read",
	OpWrite:  "write",
}

func (k OpKind) String() string {
	if k >= 0 && int(k) < len(opNames) {
		return opNames[k]
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Operation is one request against a session's FileChannel. Path is always
// the remote path; Target is the rename destination and Local the local file
// of a get or put.
type Operation struct {
	Kind   OpKind
	Path   string
	Target string
	Local  string
	Data   []byte
}

// List lists a remote directory.
func List(p string) Operation { return Operation{Kind: OpList, Path: p} }

// Stat reads the attributes of a remote path.
func Stat(p string) Operation { return Operation{Kind: OpStat, Path: p} }

// Mkdir creates a remote directory.
func Mkdir(p string) Operation { return Operation{Kind: OpMkdir, Path: p} }

// Rmdir removes an empty remote directory.
func Rmdir(p string) Operation { return Operation{Kind: OpRmdir, Path: p} }

// Remove removes a remote file.
func Remove(p string) Operation { return Operation{Kind: OpRemove, Path: p} }

// Rename moves a remote path without overwriting.
func Rename(oldPath, newPath string) Operation {
	return Operation{Kind: OpRename, Path: oldPath, Target: newPath}
}

// Get downloads a remote file to a local path.
func Get(remotePath, localPath string) Operation {
	return Operation{Kind: OpGet, Path: remotePath, Local: localPath}
}

// Put uploads a local file to a remote path.
func Put(localPath, remotePath string) Operation {
	return Operation{Kind: OpPut, Path: remotePath, Local: localPath}
}

// Read reads a whole remote file.
func Read(p string) Operation { return Operation{Kind: OpRead, Path: p} }

// Write replaces a remote file with data. A nil data creates an empty file.
func Write(p string, data []byte) Operation {
	return Operation{Kind: OpWrite, Path: p, Data: data}
}

var errMissingOperand = errors.New("missing operand")

// Validate checks that the operation carries what its kind needs.
func (o Operation) Validate() error {
	if o.Kind < 0 || int(o.Kind) >= len(opNames) {
		return &OpError{Op: o.Kind.String(), Path: o.Path, Kind: KindInvalidArgument, Err: errors.New("unknown operation")}
	}
	if err := checkPath(o.Path); err != nil {
		return &OpError{Op: o.Kind.String(), Path: o.Path, Kind: KindInvalidArgument, Err: err}
	}
	switch o.Kind {
	case OpRename:
		if o.Target == "" {
			return &OpError{Op: o.Kind.String(), Path: o.Path, Kind: KindInvalidArgument, Err: fmt.Errorf("%w: rename target", errMissingOperand)}
		}
	case OpGet, OpPut:
		if o.Local == "" {
			return &OpError{Op: o.Kind.String(), Path: o.Path, Kind: KindInvalidArgument, Err: fmt.Errorf("%w: local path", errMissingOperand)}
		}
	}
	return nil
}

// ResultKind tells which fields of a Result are set.
type ResultKind int

const (
	// ResultEntries carries Entries (list and stat).
	ResultEntries ResultKind = iota
	// ResultBytes carries Content (read).
	ResultBytes
	// ResultAck acknowledges a mutating operation or transfer.
	ResultAck
	// ResultFailure carries ErrKind and Err.
	ResultFailure
)

func (k ResultKind) String() string {
	switch k {
	case ResultEntries:
		return "entries"
	case ResultBytes:
		return "bytes"
	case ResultAck:
		return "ack"
	case ResultFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Result is the outcome of one submitted operation.
type Result struct {
	ID       string
	Op       Operation
	Identity Identity
	Kind     ResultKind

	// Entries is sorted directories first, then by name.
	Entries []Entry
	Content *Content

	ErrKind ErrorKind
	Err     error

	Duration time.Duration
}

// Failed reports whether the result is a failure.
func (r Result) Failed() bool { return r.Kind == ResultFailure }

// Path is the remote path the operation was about.
func (r Result) Path() string { return r.Op.Path }

func failure(op Operation, err error) Result {
	return Result{Op: op, Kind: ResultFailure, ErrKind: KindOf(err), Err: err}
}

// execute runs op against the channel and converts the outcome.
func execute(ctx context.Context, ch *FileChannel, op Operation) Result {
	if err := op.Validate(); err != nil {
		return failure(op, err)
	}

	switch op.Kind {
	case OpList:
		entries, err := ch.List(ctx, op.Path)
		if err != nil {
			return failure(op, err)
		}
		SortEntries(entries)
		return Result{Op: op, Kind: ResultEntries, Entries: entries}

	case OpStat:
		entry, err := ch.Stat(ctx, op.Path)
		if err != nil {
			return failure(op, err)
		}
		return Result{Op: op, Kind: ResultEntries, Entries: []Entry{entry}}

	case OpRead:
		content, err := ch.ReadAll(ctx, op.Path)
		if err != nil {
			return failure(op, err)
		}
		return Result{Op: op, Kind: ResultBytes, Content: content}
	}

	var err error
	switch op.Kind {
	case OpMkdir:
		err = ch.MakeDirectory(ctx, op.Path)
	case OpRmdir:
		err = ch.RemoveDirectory(ctx, op.Path)
	case OpRemove:
		err = ch.RemoveFile(ctx, op.Path)
	case OpRename:
		err = ch.Rename(ctx, op.Path, op.Target)
	case OpGet:
		err = ch.Download(ctx, op.Path, op.Local)
	case OpPut:
		err = ch.Upload(ctx, op.Local, op.Path)
	case OpWrite:
		err = ch.WriteAll(ctx, op.Path, op.Data)
	}
	if err != nil {
		return failure(op, err)
	}
	return Result{Op: op, Kind: ResultAck}
}

// transferred returns the bytes a successful result moved and their
// direction.
func transferred(r Result) (string, int64) {
	if r.Failed() {
		return "", 0
	}
	switch r.Op.Kind {
	case OpRead:
		return "download", int64(len(r.Content.Data))
	case OpWrite:
		return "upload", int64(len(r.Op.Data))
	case OpGet:
		if fi, err := os.Stat(r.Op.Local); err == nil {
			return "download", fi.Size()
		}
	case OpPut:
		if fi, err := os.Stat(r.Op.Local); err == nil {
			return "upload", fi.Size()
		}
	}
	return "", 0
}
