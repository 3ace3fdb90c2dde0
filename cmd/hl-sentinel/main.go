package main

import "hl-sentinel/internal/cli"

func main() {
	cli.Execute()
}
