// Package remotefs is the session and remote-filesystem core of a remote
// file manager. It opens SSH transports, runs the SFTP subsystem over them
// and exposes every file operation through an asynchronous executor.
//
// This package provides:
//   - Session: one authenticated SSH transport and its FileChannel
//   - FileChannel: serialized SFTP operations with a typed error taxonomy
//   - SessionManager: at most one Ready session per (host, port, username)
//   - Executor: a worker pool that completes Futures and posts callbacks
//     to a front-goroutine Dispatcher
//   - Path rules (ParentOf, Join, IsRoot) that never touch the network
//
// # Basic Usage
//
// Connect and list the start directory:
//
//	desc, err := remotefs.NewDescriptor("example.com", 22, "deploy",
//		remotefs.PrivateKey{Path: "~/.ssh/id_ed25519"}, "/srv")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	manager := remotefs.NewSessionManager()
//	defer manager.CloseAll()
//
//	session, err := manager.Connect(ctx, desc)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	entries, err := session.Channel().List(ctx, session.StartPath())
//
// # Asynchronous Operations
//
// Submit operations to an Executor and observe them without polling:
//
//	dispatcher := remotefs.NewDispatcher()
//	exec := remotefs.NewExecutor(remotefs.WithDispatcher(dispatcher))
//	defer exec.Close()
//
//	exec.SubmitFunc(session, remotefs.Mkdir("/srv/new"), func(r remotefs.Result) {
//		if r.Failed() {
//			fmt.Println(r.ErrKind, r.Err)
//		}
//	})
//
//	go dispatcher.Run(ctx) // or call dispatcher.Drain() from the front loop
//
// # Errors
//
// Failures to connect are *TransportError values carrying the Phase that
// failed. Operation failures are *OpError values. Use KindOf to read the
// ErrorKind; only KindConnectionLost should trigger a reconnect. The package
// never retries anything on its own.
//
// The rfm command under cmd/rfm is an interactive shell built on this
// package.
package remotefs
