package main

import "github.com/iris-agents/dispatcher/cmd"

func main() {
	cmd.Execute()
}
