package main

import "github.com/litmajor/mtaa-elders/internal/cli"

func main() {
	cli.Execute()
}
