// The main package for the scrapegate executable.
package main

import (
	"github.com/JakeFAU/scrapegate/cmd"
)

func main() {
	cmd.Execute()
}
