package main

import "github.com/cwohlman/mailpipe/cmd/mailpipe/commands"

func main() {
	commands.Execute()
}
