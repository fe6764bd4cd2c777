package main

import "github.com/t-okamura/github-user-stats/cmd"

func main() {
	cmd.Execute()
}
