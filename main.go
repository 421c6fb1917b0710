package main

import "github.com/open-feature/flagops/cmd"

func main() {
	cmd.Execute()
}
