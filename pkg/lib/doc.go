// Package lib provides a Go SDK to drive a pkgworker process programmatically.
//
// The worker is started with `pkgworker serve --socket <path>` and the SDK speaks
// its JSON-lines protocol: tasks are submitted, their progress is streamed back
// and every task ends with exactly one result.
//
// # Quick Start
//
//	client, err := lib.New(ctx, lib.Config{SocketPath: "/run/pkgworker.sock"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Preview the install.
//	res, err := client.Run(ctx, lib.Request{
//	    Kind:         lib.TaskKindInstall,
//	    Installation: lib.SystemInstallation,
//	    DryRun:       true,
//	    Ref:          "app/org.example.Foo/x86_64/stable",
//	    Remote:       "flathub",
//	}, nil)
//
//	// Apply it printing the progress.
//	res, err = client.Run(ctx, req, func(u lib.TaskUpdate) {
//	    fmt.Printf("[%d] %s %d%%\n", u.Index+1, u.Status, u.Progress)
//	})
//
// # Cancellation
//
// [Client.Submit] returns the task ID right after the worker accepts the task,
// [Client.Cancel] requests its cooperative cancellation and [Client.Wait] returns
// its result, [ResultKindCancelled] when the cancellation was effective.
//
// # Error Handling
//
// Rejected requests return errors that can be inspected with [errors.Is]:
//
//   - [ErrNotFound]: The task is unknown or already finished.
//   - [ErrNotValid]: Invalid request.
//   - [ErrNotCancellable]: The task can't be cancelled.
//
// A task failure is not an error of the call, it's a result of kind
// [ResultKindError] carrying the classified error.
//
// # Thread Safety
//
// A [Client] is safe for concurrent use from multiple goroutines.
package lib
