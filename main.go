package main

import "github.com/seastall/fishreply/cmd"

func main() {
	cmd.Execute()
}
