// The main package for the crawler executable.
package main

import (
	"github.com/JakeFAU/recoverable-crawler/cmd"
)

func main() {
	cmd.Execute()
}
