// Command examples submits one command to a running omnidimd and prints the reply.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"OmniDimension/sdk/go/omnidim"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "omnidimd base URL")
	command := flag.String("command", "schedule a demo with the design team and email them the agenda", "command to submit")
	flag.Parse()

	client, err := omnidim.NewClient(*addr, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := client.SubmitCommand(ctx, *command)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("reply (%s): %s\n", result.Reply.Source(), result.Reply.Content)

	for _, ref := range result.Reply.Actions {
		action, err := client.GetAction(ctx, ref.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "action %s: %v\n", ref.ID, err)
			continue
		}
		fmt.Printf("action %s [%s] %s\n", action.ID, action.Channel, action.Status)
	}
}
