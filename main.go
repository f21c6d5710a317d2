package main

import "treasury-agent/internal/cli"

func main() {
	cli.Execute()
}
