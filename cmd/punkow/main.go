package main

import "github.com/janLo/punkow/cmd"

func main() {
	cmd.Execute()
}
