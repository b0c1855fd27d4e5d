package main

import (
	"github.com/NotShabz2004/tradesignal/internal/cli"
)

func main() {
	cli.Execute()
}
