// Package main provides the entry point for the pagevault CLI.
//
// pagevault exports a Notion-style workspace into a local file tree:
// databases, pages, blocks, comments and users, with checkpointed resume
// so interrupted runs pick up where they stopped.
//
// Usage:
//
//	pagevault export --token <api-token> --output <dir>
//
// See --help for all available options.
package main

// main is the entry point for pagevault.
func main() {
	Execute()
}
