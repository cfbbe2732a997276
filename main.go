package main

import "github.com/campuskb/campuskb/cmd"

func main() {
	cmd.Execute()
}
