// The main package for the tracker executable.
package main

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	Execute()
}
