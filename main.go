package main

import "github.com/kozaktomas/fingermatch/cmd"

func main() {
	cmd.Execute()
}
