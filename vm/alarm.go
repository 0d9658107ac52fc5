package vm

import (
	"fmt"
	"sync"
	"time"
)

// Alarm is a message scheduled for later delivery to a service.
type Alarm struct {
	ctx   *ServiceContext
	msg   *message
	timer *time.Timer

	// mu is always taken before ctx.mu.
	mu       sync.Mutex
	fired    bool
	canceled bool

	dequeued bool // guarded by ctx.mu
}

func (c *ServiceContext) scheduleAfter(delay time.Duration, msg *message) *Alarm {
	msg.future = NewFuture()
	a := &Alarm{ctx: c, msg: msg}
	msg.alarm = a
	c.container.alarms.Add(1)
	a.timer = time.AfterFunc(delay, a.fire)
	return a
}

func (a *Alarm) fire() {
	a.mu.Lock()
	if a.canceled {
		a.mu.Unlock()
		return
	}
	a.fired = true
	a.ctx.post(a.msg)
	a.mu.Unlock()
	a.ctx.container.alarmDone()
}

// Future completes with the results of the scheduled call.
func (a *Alarm) Future() *Future { return a.msg.future }

// Cancel withdraws the alarm. It reports false, and does nothing, once the
// message has been taken off the queue.
func (a *Alarm) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.canceled {
		return false
	}
	if !a.fired {
		a.canceled = true
		a.timer.Stop()
		a.ctx.container.alarmDone()
		a.msg.future.Fail(fmt.Errorf("%w: alarm canceled", ErrIllegalState))
		return true
	}

	c := a.ctx
	c.mu.Lock()
	removed := false
	if !a.dequeued {
		for i, m := range c.queue {
			if m == a.msg {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				removed = true
				break
			}
		}
	}
	c.mu.Unlock()
	if !removed {
		return false
	}
	a.canceled = true
	a.msg.future.Fail(fmt.Errorf("%w: alarm canceled", ErrIllegalState))
	c.container.notifyIdle()
	return true
}
