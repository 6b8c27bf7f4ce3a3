// Command fakehost simulates the privileged automation host: it speaks the
// same length-prefixed stdio contract a real browser extension's
// native-messaging host would, but answers commands against an in-memory
// synthetic page. Run it with its stdout piped into bridged's stdin and
// vice versa to exercise the bridge without a real browser attached.
package main

import (
	"log"
	"os"

	"github.com/nativehost/automation-bridge/internal/fakehost"
)

func main() {
	host := fakehost.New(os.Stdin, os.Stdout)
	if err := host.Run(); err != nil {
		log.Fatalf("fakehost: %v", err)
	}
}
