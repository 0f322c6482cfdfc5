// The main package for the quarry-agent executable.
package main

import "github.com/quarrysearch/quarry-agent/cmd"

func main() {
	cmd.Execute()
}
