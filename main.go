package main

import "github.com/manderrow/manderrow/cmd"

func main() {
	cmd.Execute()
}
