// Command crpwatch investigates a list of URLs for credential phishing.
//
// Usage:
//
//	crpwatch run targets.txt
//	crpwatch targets targets.txt
//
// See --help for all available options.
package main

func main() {
	Execute()
}
