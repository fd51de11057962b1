package main

import "fileq/cmd"

func main() {
	cmd.Run()
}
