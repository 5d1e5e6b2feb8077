// Command kbcrawler mirrors knowledge base articles into a local store.
package main

import (
	"github.com/Dankin/vmware-kb/cmd"
)

func main() {
	cmd.Execute()
}
