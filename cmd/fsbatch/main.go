package main

import "github.com/seantiz/fsbatch/internal/cli"

func main() {
	cli.Execute()
}
