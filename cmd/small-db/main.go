// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0
/*
This is the entrypoint for the small-db binary.
*/
package main

import (
	"fmt"
	"os"

	"github.com/small-db/small-db/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
