package main

import (
	"fmt"
	"os"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/cmd/sweeplab/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
