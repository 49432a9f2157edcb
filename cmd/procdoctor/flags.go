package main

import "time"

// RecordFlags holds flags for record start|stop.
type RecordFlags struct {
	Name   string
	MaxAge time.Duration
	Path   string
}

// HeapFlags holds flags for heap dump|histo.
type HeapFlags struct {
	Path  string
	All   bool
	Limit int
}

// GCLogFlags holds flags for the gclog command.
type GCLogFlags struct {
	Off  bool
	Path string
}

// ProfileFlags holds flags for the profile command.
type ProfileFlags struct {
	Duration int
	Event    string
	Format   string
	Path     string
}
