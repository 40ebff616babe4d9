package main

import (
	"fmt"
	"os"

	"github.com/samuelfneumann/gosac/examples"
)

func main() {
	algorithm := "sac"
	if len(os.Args) > 1 {
		algorithm = os.Args[1]
	}

	switch algorithm {
	case "sac":
		examples.SACMassPoint()
	case "redq":
		examples.REDQMassPoint()
	default:
		fmt.Fprintf(os.Stderr, "unknown algorithm %q\n", algorithm)
		os.Exit(1)
	}
}
