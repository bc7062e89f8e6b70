package main

import "github.com/vietddude/partywatch/internal/cli"

func main() {
	cli.Execute()
}
