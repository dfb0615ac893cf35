// Package main は doc-lens API を操作するコマンドラインクライアントです。
package main

import (
	"fmt"
	"os"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
