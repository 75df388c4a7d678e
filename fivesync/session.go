// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesync

import (
	"sync"
)

// SessionStats counts row outcomes within a session
type SessionStats struct {
	Created int
	Updated int
	NoOp    int
	Failed  int
}

// Session is the state of one sync invocation against one source. It is
// created by BeginSession and torn down by EndSession.
type Session struct {
	SourceID   int64
	LastAnchor int64
	NextAnchor int64

	mu            sync.Mutex
	code          SyncCode
	totalExpected int
	processed     int
	stats         SessionStats
	failures      []*RowError
	closed        bool

	remap       *RemapTable
	progress    *progressPump
	release     func()
	holdLibrary bool // one unit of the coordinator's library semaphore
}

// Remap returns the session's id translation table
func (s *Session) Remap() *RemapTable { return s.remap }

// Code returns the sync mode set by Prepare
func (s *Session) Code() SyncCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// TotalExpected returns the declared number of changes
func (s *Session) TotalExpected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalExpected
}

// Processed returns the number of rows inserted so far
func (s *Session) Processed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed
}

func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Failures returns the rows rejected so far
func (s *Session) Failures() []*RowError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*RowError(nil), s.failures...)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) record(status StatusCode, rowErr *RowError) (progress Progress, inserted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch status {
	case StatusCreated:
		s.stats.Created++
		s.processed++
		return Progress{SourceID: s.SourceID, Current: s.processed, Total: s.totalExpected}, true
	case StatusUpdated:
		s.stats.Updated++
	case StatusNoOp:
		s.stats.NoOp++
	default:
		s.stats.Failed++
		if rowErr != nil {
			s.failures = append(s.failures, rowErr)
		}
	}
	return Progress{}, false
}

// progressPump delivers progress to an observer on its own goroutine. It
// holds at most one pending update and replaces it when a newer one arrives,
// so a slow observer never stalls row processing.
type progressPump struct {
	ch   chan Progress
	done chan struct{}
}

func newProgressPump(observer ProgressObserver) *progressPump {
	if observer == nil {
		return nil
	}
	p := &progressPump{ch: make(chan Progress, 1), done: make(chan struct{})}
	go func() {
		defer close(p.done)
		for pr := range p.ch {
			observer.OnProgress(pr)
		}
	}()
	return p
}

func (p *progressPump) publish(pr Progress) {
	if p == nil {
		return
	}
	for {
		select {
		case p.ch <- pr:
			return
		default:
		}
		select {
		case <-p.ch:
		default:
		}
	}
}

// stop delivers the pending update, if any, and waits for the goroutine
func (p *progressPump) stop() {
	if p == nil {
		return
	}
	close(p.ch)
	<-p.done
}
