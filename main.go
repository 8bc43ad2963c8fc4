package main

import "github.com/nextlevelbuilder/agentrelay/cmd"

func main() {
	cmd.Execute()
}
