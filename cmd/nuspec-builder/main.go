package main

import "github.com/oshokin/nuspec-builder/cmd/nuspec-builder/cmd"

func main() {
	cmd.Execute()
}
