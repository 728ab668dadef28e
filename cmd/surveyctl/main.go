// Command surveyctl administers survey definitions and respondents in the
// SQLite store.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "surveyctl: %v\n", err)
		os.Exit(1)
	}
}
