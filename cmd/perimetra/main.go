// Command perimetra is the service entrypoint.
package main

import "github.com/perimetra/perimetra/cmd/cli"

func main() {
	cli.Execute()
}
