// Command dataflow runs, resumes, validates and plans dataflow graphs from
// descriptor files.
//
//	dataflow run board.json --input text=hi
//	dataflow run board.yaml --db checkpoints.db --run-id run-1
//	dataflow resume board.yaml --db checkpoints.db --run-id run-1 --input name=Ada
//	dataflow validate board.json
//	dataflow plan board.json
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
