// nsqeventrouter consumes a topic of "event_name [args...]" messages
// and, for each one, execs a same-named handler script out of a
// directory, passing the remaining words as its argument string.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"os/signal"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/nsqstream/gonsq"
)

type stringArray []string

func (a *stringArray) String() string { return strings.Join(*a, ",") }
func (a *stringArray) Set(s string) error {
	*a = append(*a, s)
	return nil
}

var (
	topic       = flag.String("topic", "", "nsq topic")
	handlersDir = flag.String("handlers-dir", "", "directory with event handlers")
	channel     = flag.String("channel", "", "nsq channel")
	maxInFlight = flag.Int("max-in-flight", 200, "max number of messages to allow in flight")
	maxTries    = flag.Int("max-tries", 5, "max attempts before giving up on a message (0 = unlimited)")

	nsqdTCPAddrs     = stringArray{}
	lookupdHTTPAddrs = stringArray{}
)

func init() {
	flag.Var(&nsqdTCPAddrs, "nsqd-tcp-address", "nsqd TCP address (may be given multiple times)")
	flag.Var(&lookupdHTTPAddrs, "lookupd-http-address", "lookupd HTTP address (may be given multiple times)")
}

// eventRouter execs handlersDir/<event_name> for every message whose
// body is "event_name [args...]", logging a line per handler call.
type eventRouter struct {
	handlersDir string
}

func (e *eventRouter) HandleMessage(m *nsq.Message) error {
	msgParts := strings.Split(string(m.Body), " ")
	eventName := msgParts[0]
	handlerArguments := strings.Join(msgParts[1:], " ")

	handlerPath := filepath.Join(e.handlersDir, eventName)
	if _, err := os.Stat(handlerPath); os.IsNotExist(err) {
		log.Printf("ignoring event %s, no handler found", eventName)
		return nil
	}

	cmd := exec.Command(handlerPath, handlerArguments)
	cmd.Dir = e.handlersDir

	log.Printf("triggering event %s", eventName)
	output, err := cmd.Output()
	for _, line := range strings.Split(string(output), "\n") {
		if line != "" {
			log.Printf("[%s] %s", eventName, line)
		}
	}
	if err != nil {
		log.Printf("[%s] failed: %s", eventName, err)
	}

	return nil
}

var (
	logDatetimePattern  = regexp.MustCompile(`^(\S*\s){2}`)
	queueAddressPattern = regexp.MustCompile(`^\[(.*)(event_router)(\d+)(#ephemeral)\]\s`)
)

// logFilter strips the standard log timestamp and the ephemeral
// channel name out of nsq's own log lines before they reach stdout.
type logFilter struct{}

func (logFilter) Write(p []byte) (int, error) {
	s := string(p)
	s = logDatetimePattern.ReplaceAllString(s, "")
	s = queueAddressPattern.ReplaceAllString(s, "")
	fmt.Print(s)
	return len(p), nil
}

func main() {
	log.SetOutput(logFilter{})

	flag.Parse()

	if *channel == "" {
		rand.Seed(time.Now().UnixNano())
		*channel = fmt.Sprintf("event_router%06d#ephemeral", rand.Intn(999999))
	}
	if *topic == "" {
		log.Fatal("--topic is required")
	}
	if *handlersDir == "" {
		log.Fatal("--handlers-dir is required")
	}
	if len(nsqdTCPAddrs) == 0 && len(lookupdHTTPAddrs) == 0 {
		log.Fatal("--nsqd-tcp-address or --lookupd-http-address required")
	}
	if len(nsqdTCPAddrs) > 0 && len(lookupdHTTPAddrs) > 0 {
		log.Fatal("use --nsqd-tcp-address or --lookupd-http-address, not both")
	}

	if *maxInFlight < 1 {
		*maxInFlight = 1
	}

	config := nsq.NewConfig()
	config.Set("max_in_flight", *maxInFlight)
	config.Set("max_tries", *maxTries)

	consumer, err := nsq.NewConsumer(*topic, *channel, config)
	if err != nil {
		log.Fatal(err)
	}

	cleaned := path.Clean(*handlersDir)
	var absHandlersDir string
	if strings.HasPrefix(cleaned, "/") {
		absHandlersDir = cleaned
	} else {
		cwd, _ := os.Getwd()
		absHandlersDir = path.Join(cwd, cleaned)
	}
	log.Printf("using handlers-dir %s", absHandlersDir)

	consumer.AddHandler(&eventRouter{handlersDir: absHandlersDir})

	for _, addr := range nsqdTCPAddrs {
		if err := consumer.ConnectToNSQD(addr); err != nil {
			log.Fatal(err)
		}
	}
	for _, addr := range lookupdHTTPAddrs {
		log.Printf("lookupd addr %s", addr)
		if err := consumer.ConnectToNSQLookupd(addr); err != nil {
			log.Fatal(err)
		}
	}

	if err := consumer.Start(); err != nil {
		log.Fatal(err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	<-sigChan

	consumer.Stop()
	consumer.Join(30 * time.Second)
}
