// Command pusher runs the Doris to Feishu scheduled push service.
package main

import "github.com/JakeFAU/doris-feishu-pusher/cmd"

func main() {
	cmd.Execute()
}
