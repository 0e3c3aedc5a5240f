package main

import "github.com/openradx/exammatch/internal/interfaces/cli"

func main() {
	cli.Execute()
}
