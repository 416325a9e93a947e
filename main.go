// ABOUTME: Entry point for the pmcrm CLI and MCP server
// ABOUTME: Hands control to the cobra command tree
package main

import "github.com/prokopsimek/pmcrm-sub000/cli"

func main() {
	cli.Execute()
}
