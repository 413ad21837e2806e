// Package dpubsub fans values out from one goroutine to any number of readers.
//
// A [Stream] is published once and links to the stream that carries
// the following value, so a reader never misses a value published
// after it took its reference.
// Nodes use it to report connection changes.
package dpubsub
