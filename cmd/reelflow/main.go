// Command reelflow runs topic-to-video production pipelines.
//
// Usage:
//
//	reelflow run [flags] <topic>
//	reelflow resume [flags] <job-id>
//	reelflow status [flags] [job-id]
//	reelflow events [flags] <job-id>
//	reelflow watch [flags] <job-id>
//	reelflow templates [flags] [template-id]
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/kingrea/reelflow/internal/manifest"
)

// Exit codes reported by every subcommand.
const (
	exitSucceeded = 0
	exitFailed    = 1
	exitCancelled = 2
	exitNotFound  = 3
	exitUsage     = 64
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type command struct {
	name    string
	summary string
	run     func(args []string, stdout, stderr io.Writer) int
}

func commands() []command {
	return []command{
		{name: "run", summary: "start a job for a topic and wait for it", run: runJob},
		{name: "resume", summary: "continue an interrupted job from its manifest", run: resumeJob},
		{name: "status", summary: "show a job manifest, or list jobs", run: showStatus},
		{name: "events", summary: "print a job's event log", run: showEvents},
		{name: "watch", summary: "follow a job in the terminal", run: watchJob},
		{name: "templates", summary: "list templates or print one as YAML", run: showTemplates},
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	name := args[0]
	if name == "help" || name == "-h" || name == "--help" {
		usage(stdout)
		return exitSucceeded
	}
	for _, cmd := range commands() {
		if cmd.name == name {
			return cmd.run(args[1:], stdout, stderr)
		}
	}
	fmt.Fprintf(stderr, "reelflow: unknown command %q\n", name)
	usage(stderr)
	return exitUsage
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: reelflow <command> [flags] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, cmd := range commands() {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.summary)
	}
}

// exitCode maps a job's final state onto the process exit code.
func exitCode(state manifest.JobState) int {
	switch state {
	case manifest.JobSucceeded:
		return exitSucceeded
	case manifest.JobCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

// fail prints err and returns the matching exit code.
func fail(stderr io.Writer, format string, err error) int {
	fmt.Fprintf(stderr, "reelflow: "+format+": %v\n", err)
	if errors.Is(err, manifest.ErrNotFound) {
		return exitNotFound
	}
	return exitFailed
}

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	var pairs []string
	for key, value := range *kv {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ", ")
}

func (kv *keyValueFlag) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if *kv == nil {
		*kv = map[string]string{}
	}
	(*kv)[key] = strings.TrimSpace(parts[1])
	return nil
}
