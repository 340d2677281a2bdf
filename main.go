package main

import "roomcast/cmd"

func main() {
	cmd.Execute()
}
