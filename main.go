package main

import "github.com/Norgate-AV/sbfbuild/cmd"

func main() {
	cmd.Execute()
}
