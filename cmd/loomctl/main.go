package main

import "loom/internal/cli"

func main() {
	cli.Execute()
}
