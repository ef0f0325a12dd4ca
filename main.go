package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/cli"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/exec"
)

func main() {
	// Reap scanner child processes on a hard quit so no subfinder/httpx/nuclei
	// keeps running after we exit. SIGINT/SIGTERM are handled by the serve
	// command's graceful shutdown.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGQUIT)

	go func() {
		<-sigChan
		fmt.Fprintf(os.Stderr, "\n[!] Received quit signal, cleaning up...\n")
		exec.KillAllProcesses()
		os.Exit(130)
	}()

	if err := cli.Execute(); err != nil {
		exec.KillAllProcesses()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
