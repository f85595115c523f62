package main

import (
	"fmt"
	"os"

	"github.com/examio/paperflow/go/runtime"
	"github.com/jessevdk/go-flags"
)

const iniFilename = "paperflow.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "process", "Process one exam paper PDF", `
Create a processing task for the given PDF, or resume the live task already
holding the same file, and run the pipeline to completion in this process.
`, &cmdProcess{})

	addCmd(parser, "serve", "Run the processing worker", `
Recover unfinished tasks, then drain the processing queue until signaled to
exit (via SIGTERM or SIGINT). Recovered tasks are re-enqueued when
--runner.auto-resume is set.
`, &cmdServe{})

	addCmd(parser, "warmup", "Warm up the OCR engine", `
Load the OCR engine and run one small synthetic inference, so real pages
arrive at an engine that is already hot.
`, &cmdWarmup{})

	tasks, err := parser.Command.AddCommand("tasks", "Inspect processing tasks", "", &struct{}{})
	runtime.Must(err, "failed to add command")

	addCmd(tasks, "list", "List tasks", `
List tasks in the store, newest first.
`, &cmdTasksList{})

	addCmd(tasks, "show", "Show one task", `
Show a task's stages, recent logs and, optionally, its stored pipeline events.
`, &cmdTasksShow{})

	mustParseConfig(parser)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	runtime.Must(err, "failed to add flags parser command", "name", a)
	return cmd
}

// mustParseConfig seeds the parser from an adjacent INI file when one
// exists, then parses flags and runs the selected command. Command-line
// flags and environment variables override INI values.
func mustParseConfig(parser *flags.Parser) {
	var iniParser = flags.NewIniParser(parser)
	if err := iniParser.ParseFile(iniFilename); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
