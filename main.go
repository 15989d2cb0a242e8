// Command runprogress runs background jobs and reports their progress.
package main

import "github.com/JakeFAU/runprogress/cmd"

func main() {
	cmd.Execute()
}
