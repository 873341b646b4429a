// supervisor.go - retry loop wrapping a fetcher session.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package fetcher

import (
	"context"
	"crypto/tls"
	"time"
)

// retryDelay is the fixed backoff between connection attempts,
// matching the original fetcher's supervisor (original_source
// src/keyserver/fetcher.py retries every 1s on transient errors).
const retryDelay = 1 * time.Second

// fallbackHeartbeatTimeout guards against a misbehaving server that
// advertises a zero heartbeat interval during the handshake; Run would
// otherwise busy-loop on an immediately-expiring read deadline.
const fallbackHeartbeatTimeout = 60 * time.Second

// Config bundles the parameters Supervise needs to open a session.
type Config struct {
	Addr      string
	Hostname  string
	TLSConfig *tls.Config
	Mode      Mode
	KeyDir    string
}

// Supervise runs Config's session in a loop: on any session error it
// logs and retries after retryDelay, until ctx is cancelled. Each
// delivered keyset is reconciled onto KeyDir. Supervise returns when
// ctx is cancelled, or, if Mode is ModeOnce, as soon as the first
// delivered keyset has been reconciled; per-user reconcile errors are
// logged and do not cause a retry.
func Supervise(ctx context.Context, cfg Config) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		sess, err := Dial(cfg.Addr, cfg.Hostname, cfg.TLSConfig)
		if err != nil {
			log.Warningf("connect to %s failed, retrying: %v", cfg.Addr, err)
			if !sleepOrDone(ctx, retryDelay) {
				return nil
			}
			continue
		}

		hbTimeout := sess.HeartbeatInterval()
		if hbTimeout <= 0 {
			hbTimeout = fallbackHeartbeatTimeout
		}

		done := make(chan struct{})
		var runErr error
		go func() {
			defer close(done)
			runErr = sess.Run(ctx, cfg.Mode, hbTimeout, func(ks Keyset) {
				if errs := Reconcile(cfg.KeyDir, ks); len(errs) > 0 {
					for user, err := range errs {
						log.Errorf("reconciling %s: %v", user, err)
					}
				}
			})
		}()
		<-done
		sess.Close()

		if cfg.Mode == ModeOnce && runErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if runErr != nil {
			log.Warningf("session to %s ended, retrying: %v", cfg.Addr, runErr)
		}
		if !sleepOrDone(ctx, retryDelay) {
			return nil
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
