package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/medsync/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "medsync:", err)
		os.Exit(1)
	}
}
