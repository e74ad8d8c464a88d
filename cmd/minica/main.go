package main

import "github.com/jmcleod/minica/cmd/minica/cmd"

func main() {
	cmd.Execute()
}
