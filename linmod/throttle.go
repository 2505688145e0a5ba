// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import "sync"

// throttle runs row fits on at most Max goroutines. After the first
// failure, queued fits are skipped and Wait returns that error.
type throttle struct {
	Max int

	once sync.Once
	slot chan struct{}
	wg   sync.WaitGroup
	mtx  sync.Mutex
	err  error
}

func (t *throttle) failed() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.err
}

func (t *throttle) fail(err error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *throttle) Go(f func() error) {
	t.once.Do(func() {
		if t.Max < 1 {
			t.Max = 1
		}
		t.slot = make(chan struct{}, t.Max)
	})
	t.slot <- struct{}{}
	if t.failed() != nil {
		<-t.slot
		return
	}
	t.wg.Add(1)
	go func() {
		defer func() {
			<-t.slot
			t.wg.Done()
		}()
		if err := f(); err != nil {
			t.fail(err)
		}
	}()
}

func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.failed()
}
