// Package dtest contains helpers shared across tests in this module.
package dtest

import (
	"testing"
	"time"
)

// ScaleDuration is how long the *Soon helpers wait
// before failing the test.
const ScaleDuration = 2 * time.Second

// notSendingDuration is how long NotSending observes a channel.
const notSendingDuration = 20 * time.Millisecond

// ReceiveSoon receives a value from ch,
// failing the test if nothing arrives within [ScaleDuration].
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(ScaleDuration)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("no value received within %s", ScaleDuration)
	}

	panic("unreachable")
}

// SendSoon sends v on ch,
// failing the test if the send does not complete within [ScaleDuration].
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScaleDuration)
	defer timer.Stop()

	select {
	case ch <- v:
		// Okay.
	case <-timer.C:
		t.Fatalf("could not send value within %s", ScaleDuration)
	}
}

// NotSending fails the test if a value arrives on ch
// within a short observation window.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("expected no value to be sent, got %#v", v)
	case <-time.After(notSendingDuration):
		// Okay.
	}
}

// IsSending reports whether a value is immediately readable from ch.
// The value, if any, is consumed.
func IsSending[T any](t testing.TB, ch <-chan T) bool {
	t.Helper()

	select {
	case <-ch:
		return true
	default:
		return false
	}
}
