package main

import "dashobd/cmd"

func main() {
	cmd.Execute()
}
