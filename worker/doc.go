/*
Package worker runs typed request/response RPC against a child process.

The parent calls Start (or StartWith / StartOther) to spawn a worker process and perform the handshake, then calls Run concurrently from as many goroutines as it likes. Each Run gets its own request id and its own completion channel, so responses may come back in any order and still reach the right caller. Shutdown waits for in-flight requests, kills the child and joins the demultiplexer.

The child side calls BootstrapFromEnv once at process entry and hands the result to RunWorker, which returns immediately unless the process was launched as that named worker. Several worker names can share one executable:

	func main() {
		boot, err := worker.BootstrapFromEnv()
		if err != nil {
			log.Fatal(err)
		}
		worker.RunWorker(boot, "resize", resizeImage)
		worker.RunWorker(boot, "encode", encodeVideo)

		// normal program
	}

The handshake works like this:

1. The parent creates a named one-shot ipc channel and spawns the child with WORKERRPC_VERSION, WORKERRPC_SERVER (the channel name) and WORKERRPC_NAME in its environment.
2. The child checks the name and the protocol version. On a version mismatch it exits with ExitVersionMismatch right away instead of letting the parent wait for the handshake timeout.
3. The child connects to the named channel. The parent creates a request channel and a response channel and sends the child the request receiver and the response sender.
4. The child serves requests until the request channel disconnects, then exits 0.

The handshake must complete within 10 seconds. WORKERRPC_TIMEOUT overrides that in seconds (minimum 1), and WithHandshakeTimeout overrides both.

There is no per-request timeout or cancellation message: a Run resolves early only if its context is done or the worker disconnects, and failed requests are never retried.
*/
package worker
