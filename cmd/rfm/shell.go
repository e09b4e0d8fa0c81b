package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/darshan-rambhia/remotefs"
)

type command struct {
	usage   string
	desc    string
	minArgs int
	maxArgs int
	// remote marks commands that need a current session.
	remote bool
	run    func(args []string) error
}

// shell is the interactive front end. Every method runs on the prompt
// goroutine; executor callbacks are delivered there through the dispatcher.
type shell struct {
	out        io.Writer
	manager    *remotefs.SessionManager
	executor   *remotefs.Executor
	dispatcher *remotefs.Dispatcher
	profiles   map[string]Profile
	ask        func(label string) (string, error)
	logger     *zap.Logger

	commands map[string]command

	session *remotefs.Session
	cwd     string
	// names holds the last listing of cwd for completion.
	names   []string
	exiting bool
}

var errNotConnected = errors.New("not connected; use connect first")

func newShell(out io.Writer, manager *remotefs.SessionManager, executor *remotefs.Executor, dispatcher *remotefs.Dispatcher,
	profiles map[string]Profile, ask func(string) (string, error), logger *zap.Logger) *shell {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &shell{
		out:        out,
		manager:    manager,
		executor:   executor,
		dispatcher: dispatcher,
		profiles:   profiles,
		ask:        ask,
		logger:     logger,
	}
	s.commands = map[string]command{
		"connect":  {"connect <profile|user@host[:port]> [key-file]", "Open or reuse a session", 1, 2, false, s.cmdConnect},
		"sessions": {"sessions", "List live sessions", 0, 0, false, s.cmdSessions},
		"use":      {"use <identity>", "Switch to another live session", 1, 1, false, s.cmdUse},
		"close":    {"close", "Close the current session", 0, 0, true, s.cmdClose},
		"ls":       {"ls [dir]", "List a directory", 0, 1, true, s.cmdList},
		"cd":       {"cd [dir]", "Change directory (no argument returns to the start path)", 0, 1, true, s.cmdCd},
		"up":       {"up", "Go to the parent directory", 0, 0, true, s.cmdUp},
		"pwd":      {"pwd", "Print the current directory", 0, 0, true, s.cmdPwd},
		"stat":     {"stat <path>", "Show entry details", 1, 1, true, s.cmdStat},
		"cat":      {"cat <file>", "Print a text file", 1, 1, true, s.cmdCat},
		"edit":     {"edit <file>", "Edit a remote file with $EDITOR", 1, 1, true, s.cmdEdit},
		"touch":    {"touch <file>", "Create an empty file", 1, 1, true, s.cmdTouch},
		"mkdir":    {"mkdir <dir>", "Create a directory", 1, 1, true, s.cmdMkdir},
		"rmdir":    {"rmdir <dir>", "Remove an empty directory", 1, 1, true, s.cmdRmdir},
		"rm":       {"rm <file>", "Remove a file", 1, 1, true, s.cmdRm},
		"mv":       {"mv <old> <new>", "Rename without overwriting", 2, 2, true, s.cmdMv},
		"get":      {"get <remote> [local]", "Download a file", 1, 2, true, s.cmdGet},
		"put":      {"put <local> [remote]", "Upload a file", 1, 2, true, s.cmdPut},
		"help":     {"help", "Show this help", 0, 0, false, s.cmdHelp},
		"exit":     {"exit", "Close all sessions and quit", 0, 0, false, s.cmdExit},
	}
	return s
}

// run executes one input line.
func (s *shell) run(line string) {
	args, err := splitArgs(line)
	if err != nil {
		errColor.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	if len(args) == 0 {
		return
	}

	name, args := strings.ToLower(args[0]), args[1:]
	if name == "quit" {
		name = "exit"
	}
	cmd, ok := s.commands[name]
	if !ok {
		errColor.Fprintf(s.out, "Unknown command %q. Type 'help' for available commands.\n", name)
		return
	}
	if len(args) < cmd.minArgs || len(args) > cmd.maxArgs {
		warnColor.Fprintf(s.out, "Usage: %s\n", cmd.usage)
		return
	}
	if cmd.remote && s.session == nil {
		errColor.Fprintf(s.out, "Error: %v\n", errNotConnected)
		return
	}
	if err := cmd.run(args); err != nil {
		errColor.Fprintf(s.out, "Error: %v\n", err)
	}
}

// prefix renders the live prompt.
func (s *shell) prefix() (string, bool) {
	if s.session == nil {
		return "rfm> ", true
	}
	return fmt.Sprintf("%s:%s> ", s.session.Identity(), s.cwd), true
}

// do submits op for the current session and drains the dispatcher on this
// goroutine until the op's callback has run. Each command finishes before
// the prompt returns. It reports whether the operation succeeded.
func (s *shell) do(op remotefs.Operation, onSuccess func(remotefs.Result)) bool {
	ok, delivered := false, false
	s.executor.SubmitFunc(s.session, op, func(r remotefs.Result) {
		delivered = true
		if r.Failed() {
			s.report(r)
			return
		}
		ok = true
		if onSuccess != nil {
			onSuccess(r)
		}
	})
	for !delivered {
		<-s.dispatcher.Ready()
		s.dispatcher.Drain()
	}
	return ok
}

func (s *shell) report(r remotefs.Result) {
	errColor.Fprintf(s.out, "%s %s: %v\n", r.Op.Kind, r.Path(), r.Err)
	s.logger.Debug("operation failed",
		zap.String("id", r.ID),
		zap.String("op", r.Op.Kind.String()),
		zap.String("kind", r.ErrKind.String()),
		zap.Error(r.Err))

	if r.ErrKind != remotefs.KindConnectionLost || s.session == nil {
		return
	}
	warnColor.Fprintf(s.out, "Connection to %s lost. Use connect to reconnect.\n", s.session.Identity())
	_ = s.manager.Close(s.session)
	s.session = nil
	s.names = nil
}

// resolve turns a user supplied path into an absolute remote path.
func (s *shell) resolve(p string) string {
	if p == "" {
		return s.cwd
	}
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Join(s.cwd, p)
}

func (s *shell) cmdConnect(args []string) error {
	p, ok := s.profiles[args[0]]
	if !ok {
		var err error
		if p, err = parseTarget(args[0]); err != nil {
			return err
		}
	}
	if len(args) == 2 {
		p.KeyPath = args[1]
	}

	desc, err := p.descriptor(s.ask)
	if err != nil {
		return err
	}

	session, err := s.manager.Connect(context.Background(), desc)
	if err != nil {
		var terr *remotefs.TransportError
		if errors.As(err, &terr) {
			return fmt.Errorf("%s failed during %s: %v", desc.Identity(), terr.Phase, terr.Err)
		}
		return err
	}

	key := session.HostKey()
	switch {
	case key.Known:
	case key.Recorded:
		warnColor.Fprintf(s.out, "Recorded new %s host key %s\n", key.Type, key.Fingerprint)
	default:
		warnColor.Fprintf(s.out, "Accepted unverified %s host key %s\n", key.Type, key.Fingerprint)
	}
	okColor.Fprintf(s.out, "Connected to %s (%s)\n", session.Identity(), session.AuthSource())

	s.switchTo(session)
	return s.cmdList(nil)
}

func (s *shell) switchTo(session *remotefs.Session) {
	s.session = session
	s.cwd = session.StartPath()
	s.names = nil
}

func (s *shell) cmdSessions([]string) error {
	return renderSessions(s.out, s.manager, s.session)
}

func (s *shell) cmdUse(args []string) error {
	for _, session := range s.manager.Sessions() {
		if session.Identity().String() == args[0] {
			s.switchTo(session)
			return nil
		}
	}
	return fmt.Errorf("no live session %q", args[0])
}

func (s *shell) cmdClose([]string) error {
	id := s.session.Identity()
	if err := s.manager.Close(s.session); err != nil {
		return err
	}
	s.session = nil
	s.names = nil
	fmt.Fprintf(s.out, "Closed %s\n", id)
	return nil
}

func (s *shell) cmdList(args []string) error {
	dir := s.cwd
	if len(args) == 1 {
		dir = s.resolve(args[0])
	}
	s.do(remotefs.List(dir), func(r remotefs.Result) {
		if dir == s.cwd {
			s.names = entryNames(r.Entries)
		}
		if err := renderEntries(s.out, r.Entries); err != nil {
			errColor.Fprintf(s.out, "Error: %v\n", err)
		}
	})
	return nil
}

func (s *shell) cmdCd(args []string) error {
	target := s.session.StartPath()
	if len(args) == 1 {
		target = s.resolve(args[0])
	}
	var notDir bool
	if !s.do(remotefs.Stat(target), func(r remotefs.Result) {
		notDir = len(r.Entries) == 0 || !r.Entries[0].IsDir()
	}) {
		return nil
	}
	if notDir {
		return fmt.Errorf("%s is not a directory", target)
	}
	s.cwd = target
	s.names = nil
	return nil
}

func (s *shell) cmdUp([]string) error {
	s.cwd = remotefs.ParentOf(s.cwd)
	s.names = nil
	return nil
}

func (s *shell) cmdPwd([]string) error {
	fmt.Fprintln(s.out, s.cwd)
	return nil
}

func (s *shell) cmdStat(args []string) error {
	p := s.resolve(args[0])
	s.do(remotefs.Stat(p), func(r remotefs.Result) {
		if len(r.Entries) == 1 {
			renderStat(s.out, p, r.Entries[0])
		}
	})
	return nil
}

func (s *shell) cmdCat(args []string) error {
	s.do(remotefs.Read(s.resolve(args[0])), func(r remotefs.Result) {
		if r.Content.Binary {
			warnColor.Fprintf(s.out, "%s looks binary; use get to download it\n", r.Content.Path)
			return
		}
		s.out.Write(r.Content.Data)
		if len(r.Content.Data) > 0 && !bytes.HasSuffix(r.Content.Data, []byte("\n")) {
			fmt.Fprintln(s.out)
		}
	})
	return nil
}

// cmdEdit reads the file, opens it in $EDITOR and writes it back when the
// content changed.
func (s *shell) cmdEdit(args []string) error {
	p := s.resolve(args[0])
	var content *remotefs.Content
	if !s.do(remotefs.Read(p), func(r remotefs.Result) { content = r.Content }) {
		return nil
	}
	if content.Binary {
		return fmt.Errorf("%s looks binary; refusing to edit", p)
	}

	tmp, err := os.CreateTemp("", "rfm-*-"+remotefs.Base(p))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content.Data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	cmd := exec.Command(editor, tmp.Name())
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("editor %s failed: %w", editor, err)
	}

	edited, err := os.ReadFile(tmp.Name())
	if err != nil {
		return fmt.Errorf("failed to read edited file: %w", err)
	}
	if bytes.Equal(edited, content.Data) {
		fmt.Fprintln(s.out, "No changes")
		return nil
	}
	if s.do(remotefs.Write(p, edited), nil) {
		okColor.Fprintf(s.out, "Saved %s (%s)\n", p, formatSize(int64(len(edited))))
	}
	return nil
}

// cmdTouch creates an empty file. Existing files are left alone.
func (s *shell) cmdTouch(args []string) error {
	p := s.resolve(args[0])
	f := s.executor.Submit(s.session, remotefs.Stat(p))
	r, err := f.Wait(context.Background())
	if err != nil {
		return err
	}
	if !r.Failed() {
		return fmt.Errorf("%s already exists", p)
	}
	if r.ErrKind != remotefs.KindNotFound {
		s.report(r)
		return nil
	}
	s.do(remotefs.Write(p, nil), nil)
	return nil
}

func (s *shell) cmdMkdir(args []string) error {
	s.do(remotefs.Mkdir(s.resolve(args[0])), nil)
	return nil
}

func (s *shell) cmdRmdir(args []string) error {
	s.do(remotefs.Rmdir(s.resolve(args[0])), nil)
	return nil
}

func (s *shell) cmdRm(args []string) error {
	s.do(remotefs.Remove(s.resolve(args[0])), nil)
	return nil
}

func (s *shell) cmdMv(args []string) error {
	s.do(remotefs.Rename(s.resolve(args[0]), s.resolve(args[1])), nil)
	return nil
}

func (s *shell) cmdGet(args []string) error {
	remote := s.resolve(args[0])
	local := remotefs.Base(remote)
	if len(args) == 2 {
		local = remotefs.ExpandPath(args[1])
	}
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		local = filepath.Join(local, remotefs.Base(remote))
	}
	if s.do(remotefs.Get(remote, local), nil) {
		okColor.Fprintf(s.out, "Downloaded %s to %s\n", remote, local)
	}
	return nil
}

func (s *shell) cmdPut(args []string) error {
	local := remotefs.ExpandPath(args[0])
	remote := s.resolve(filepath.Base(local))
	if len(args) == 2 {
		remote = s.resolve(args[1])
	}
	if s.do(remotefs.Put(local, remote), nil) {
		okColor.Fprintf(s.out, "Uploaded %s to %s\n", local, remote)
	}
	return nil
}

func (s *shell) cmdHelp([]string) error {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	table := newTable(s.out)
	table.Header("Command", "Description")
	for _, name := range names {
		cmd := s.commands[name]
		table.Append([]string{cmd.usage, cmd.desc})
	}
	return table.Render()
}

func (s *shell) cmdExit([]string) error {
	s.exiting = true
	return nil
}

// shutdown stops the executor and closes every session.
func (s *shell) shutdown() {
	s.executor.Close()
	s.dispatcher.Drain()
	if err := s.manager.CloseAll(); err != nil {
		s.logger.Warn("failed to close sessions", zap.Error(err))
	}
}

func entryNames(entries []remotefs.Entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
		if e.IsDir() {
			names[i] += "/"
		}
	}
	return names
}

// splitArgs splits a command line on whitespace. Double quotes group words
// and a backslash escapes the next character.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quoted  bool
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped, inWord = true, true
		case r == '"':
			quoted, inWord = !quoted, true
		case !quoted && (r == ' ' || r == '\t'):
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote")
	}
	if escaped {
		return nil, errors.New("trailing backslash")
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args, nil
}
