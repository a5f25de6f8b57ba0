// This program performs administrative tasks for the builder.
package main

import "github.com/ardanlabs/pbhbuilder/app/tooling/pbhadmin/cmd"

func main() {
	cmd.Execute()
}
