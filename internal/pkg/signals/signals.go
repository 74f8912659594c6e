// Copyright 2024 Bloomberg Finance L.P
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package signals converts termination signals into an advisory stop
// token. No handler code allocates or locks; the goroutine draining the
// notification channel only flips the flag and cancels the context.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// StopToken is an atomic flag set when a termination signal arrives.
type StopToken struct {
	stopped atomic.Bool
}

// Stopped reports whether a termination signal has been received.
func (t *StopToken) Stopped() bool {
	return t.stopped.Load()
}

// Install registers the handlers for SIGINT, SIGTERM, SIGHUP and SIGPIPE
// and returns the stop token together with a context cancelled on the
// first signal.
func Install(ctx context.Context) (*StopToken, context.Context) {
	token := &StopToken{}
	ctx, cancel := context.WithCancel(ctx)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE)
	go func() {
		<-ch
		token.stopped.Store(true)
		cancel()
	}()
	return token, ctx
}
