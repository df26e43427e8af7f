package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopsync/crm-sync/internal/ipc"
	"github.com/shopsync/crm-sync/internal/manager"
)

const usage = `workerctl - control a running worker daemon

Usage:
  workerctl [flags] <command> [args]

Commands:
  list                     show all queues and their workers
  scale <queue> <count>    set the number of workers for a queue
  pause <target>           pause a worker by id, or every worker of a queue
  resume <target>          resume a worker by id, or every worker of a queue
  stop <worker-id>         stop one worker and remove it from the pool
  help                     show this help

Flags:
  -dir string              control directory of the daemon (default ".worker-ipc")
  -timeout duration        how long to wait for the daemon (default 10s)
`

func main() {
	dir := flag.String("dir", ".worker-ipc", "control directory of the daemon")
	timeout := flag.Duration("timeout", ipc.DefaultTimeout, "how long to wait for the daemon")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	client := ipc.NewClient(*dir, *timeout)
	ctx := context.Background()

	var err error
	switch args[0] {
	case "list":
		err = runList(ctx, client)
	case "scale":
		err = runScale(ctx, client, args[1:])
	case "pause":
		err = runTarget(ctx, client, ipc.EndpointPause, "paused", args[1:])
	case "resume":
		err = runTarget(ctx, client, ipc.EndpointResume, "resumed", args[1:])
	case "stop":
		err = runStop(ctx, client, args[1:])
	case "help":
		flag.Usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runList(ctx context.Context, client *ipc.Client) error {
	var queues []manager.QueueSummary
	if err := client.Do(ctx, ipc.EndpointList, nil, &queues); err != nil {
		return err
	}

	if len(queues) == 0 {
		fmt.Println("no queues registered")
		return nil
	}

	for _, q := range queues {
		fmt.Printf("%s (%d running, %d paused, %d processed, %d failed)\n",
			q.QueueName, q.Running, q.Paused, q.JobsProcessed, q.JobsFailed)
		for _, w := range q.Workers {
			fmt.Printf("  %-32s %-8s up %-8s %d/%d jobs\n",
				w.ID, w.State, formatUptime(time.Since(w.StartedAt)), w.JobsProcessed, w.JobsFailed)
		}
	}
	return nil
}

func runScale(ctx context.Context, client *ipc.Client, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: workerctl scale <queue> <count>")
	}

	count, err := strconv.Atoi(args[1])
	if err != nil || count < 0 {
		return fmt.Errorf("count must be a non-negative integer, got %q", args[1])
	}

	var result ipc.ScaleResult
	if err := client.Do(ctx, ipc.EndpointScale, ipc.ScaleBody{QueueName: args[0], Count: count}, &result); err != nil {
		return err
	}

	if len(result.Created) == 0 && len(result.Stopped) == 0 {
		fmt.Printf("queue %s already at %d workers\n", result.QueueName, count)
		return nil
	}
	for _, id := range result.Created {
		fmt.Printf("created %s\n", id)
	}
	for _, id := range result.Stopped {
		fmt.Printf("stopped %s\n", id)
	}
	return nil
}

func runTarget(ctx context.Context, client *ipc.Client, endpoint, verb string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: workerctl %s <worker-id|queue>", endpoint)
	}

	var result ipc.AffectedResult
	if err := client.Do(ctx, endpoint, ipc.TargetBody{Target: args[0]}, &result); err != nil {
		return err
	}

	if len(result.Affected) == 0 {
		fmt.Printf("no workers %s\n", verb)
		return nil
	}
	for _, id := range result.Affected {
		fmt.Printf("%s %s\n", verb, id)
	}
	return nil
}

func runStop(ctx context.Context, client *ipc.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: workerctl stop <worker-id>")
	}

	if err := client.Do(ctx, ipc.EndpointStop, ipc.StopBody{WorkerID: args[0]}, nil); err != nil {
		return err
	}

	fmt.Printf("worker %s stopped\n", args[0])
	return nil
}

// formatUptime renders a duration as the largest two useful units
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d >= 24*time.Hour:
		days := d / (24 * time.Hour)
		hours := (d % (24 * time.Hour)) / time.Hour
		return fmt.Sprintf("%dd%dh", days, hours)
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", d/time.Hour, (d%time.Hour)/time.Minute)
	case d >= time.Minute:
		return fmt.Sprintf("%dm%ds", d/time.Minute, (d%time.Minute)/time.Second)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}
