package server

import "time"

type Options struct {
	Address        string
	Port           int
	Datapath       string
	IdleTimeout    time.Duration
	MetricsAddress string
	Metrics        *Metrics
}

// NewDefaultOptions listens on the well known port of the run mode; New fills
// Port from the Runtime before applying caller options.
func NewDefaultOptions() *Options {
	return &Options{
		Address:     "0.0.0.0",
		Datapath:    "./files/",
		IdleTimeout: 5 * time.Second,
	}
}
