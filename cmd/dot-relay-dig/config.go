package main

import "time"

type config struct {
	help    bool
	version bool
	short   bool

	repeatCount    int
	requestTimeout time.Duration
}
