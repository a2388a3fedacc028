package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// interrupter turns the first interrupt into a cooperative cancel and any
// later one into an abort.
type interrupter struct {
	count  atomic.Int32
	cancel func()
	abort  func()
}

func (i *interrupter) Interrupt() {
	switch i.count.Add(1) {
	case 1:
		i.cancel()
	case 2:
		i.abort()
	}
}

// notify feeds SIGINT and SIGTERM into i until the returned stop is called.
func (i *interrupter) notify() (stop func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigCh:
				i.Interrupt()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
