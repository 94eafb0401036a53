package main

import (
	"fmt"
	"io"
	"text/template"
	"time"
)

const usageMessageTemplate = `
NAME
          {{.DigProgramName}} -- send one query at a dot-relay and print the response

SYNOPSIS
          {{.DigProgramName}} [options] relay[:port] qName [qType]

DESCRIPTION
          {{.DigProgramName}} sends a single plaintext UDP DNS query at a running
          {{.RelayProgramName}} and prints the response it receives back, for manual smoke-testing
          of a deployment. qType defaults to A.

OPTIONS
          [-h] [-version] [-short]
          [-r repeat-count] [-t request-timeout]

`

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err)
	}
	if err := tmpl.Execute(out, consts); err != nil {
		panic(err)
	}
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")
	flagSet.BoolVar(&cfg.short, "short", false, "Print only the answer records")
	flagSet.IntVar(&cfg.repeatCount, "r", 1, "Repeat `count`")
	flagSet.DurationVar(&cfg.requestTimeout, "t", 2*time.Second, "Request `timeout`")

	return flagSet.Parse(args[1:])
}
