package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/pflag"

	"github.com/whisper/livechat/internal/client"
	"github.com/whisper/livechat/internal/config"
	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/protocol"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	flags := pflag.NewFlagSet("chatclient", pflag.ExitOnError)
	flags.StringVarP(&cfg.URL, "url", "u", cfg.URL, "chat server WebSocket URL")
	flags.StringVarP(&cfg.Name, "name", "n", cfg.Name, "display name to join with")
	flags.DurationVar(&cfg.TypingTimeout, "typing-timeout", cfg.TypingTimeout, "quiet period before reporting that typing stopped")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: chatclient [flags]\n\nEach input line is sent as a message. \"/name NAME\" joins again under NAME.\n\n")
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	if err := protocol.ValidateName(cfg.Name); err != nil {
		fmt.Fprintf(os.Stderr, "chatclient: --name: %v\n", err)
		os.Exit(2)
	}

	if cfg.MetricsAddr != "" {
		r := mux.NewRouter()
		r.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, r); err != nil {
				log.Printf("[chatclient] metrics server: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	clientConfig := client.DefaultConfig()
	clientConfig.TypingTimeout = cfg.TypingTimeout
	c, err := client.Dial(ctx, cfg.URL, clientConfig)
	cancel()
	if err != nil {
		log.Fatalf("dial %s: %v", cfg.URL, err)
	}
	defer c.Close()

	go printIdentity(c)
	go printMessages(c)
	go printTyping(c)

	c.JoinSession(cfg.Name)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			handleLine(c, line)
		}
	}
}

func handleLine(c *client.Client, line string) {
	if name, ok := strings.CutPrefix(line, "/name "); ok {
		name = strings.TrimSpace(name)
		if err := protocol.ValidateName(name); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
			return
		}
		c.JoinSession(name)
		return
	}

	c.NotifyTyping()
	if err := protocol.ValidateText(line); err != nil {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
		return
	}
	c.SendMessage(line)
}

func printIdentity(c *client.Client) {
	ch, _ := c.Identity().Subscribe()
	for id := range ch {
		fmt.Printf("* joined as %s (%s)\n", id.Name, id.ID)
	}
}

func printMessages(c *client.Client) {
	ch, _ := c.Messages().Subscribe()
	var shown []protocol.Message
	for msgs := range ch {
		start, continued := unseen(shown, msgs)
		if !continued {
			fmt.Println("* history:")
		}
		for _, m := range msgs[start:] {
			fmt.Printf("<%s> %s\n", m.Author, m.Text)
		}
		shown = msgs
	}
}

// unseen returns the index of the first message in msgs that was not part of
// shown. The server trims old messages, so msgs continues shown when some
// suffix of shown is a prefix of msgs. continued is false when nothing
// overlaps and msgs must be printed from the start.
func unseen(shown, msgs []protocol.Message) (start int, continued bool) {
	if len(shown) == 0 {
		return 0, true
	}
	for k := 0; k < len(shown); k++ {
		tail := shown[k:]
		if len(tail) <= len(msgs) && protocol.EqualHistory(msgs[:len(tail)], tail) {
			return len(tail), true
		}
	}
	return 0, false
}

func printTyping(c *client.Client) {
	ch, _ := c.Typing().Subscribe()
	for st := range ch {
		if st.IsTyping {
			fmt.Printf("* %s is typing...\n", st.Name)
		} else {
			fmt.Printf("* %s stopped typing\n", st.Name)
		}
	}
}
