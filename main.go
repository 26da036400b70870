// Command archiver runs the media archiving service.
package main

import "github.com/JakeFAU/media-archiver/cmd"

func main() {
	cmd.Execute()
}
