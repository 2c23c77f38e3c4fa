// nsqtrigger publishes one event, built from its command-line
// arguments, to a topic over nsqd's HTTP /pub endpoint.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/nsqstream/gonsq"
)

var (
	topic        = flag.String("topic", "events", "nsq topic")
	nsqdHTTPAddr = flag.String("nsqd-http-address", "127.0.0.1:4151", "nsqd HTTP address")
)

func failWithUsage() {
	flags := "[--topic=events] [--nsqd-http-address=127.0.0.1:4151]"
	arguments := "<event_name> [<event_body>]"
	fmt.Println("e.g: nsqtrigger", flags, arguments)
	os.Exit(1)
}

func main() {
	flag.Parse()

	if len(flag.Args()) == 0 {
		fmt.Println("at least the event name is required as a non-flag argument")
		failWithUsage()
	}

	eventBody := strings.Join(flag.Args(), " ")

	admin := nsq.NewAdminClient(*nsqdHTTPAddr, nil)
	if err := admin.Publish(*topic, []byte(eventBody)); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", *nsqdHTTPAddr, err)
		os.Exit(1)
	}

	fmt.Println(*nsqdHTTPAddr + ": ok")
}
