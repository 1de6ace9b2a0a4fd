// Copyright 2026 The gVisor Authors.
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

package rst

import (
	"time"

	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/kernel"
	"gvisor.dev/rst/pkg/sentry/kernel/auth"
	"gvisor.dev/rst/pkg/sentry/limits"
)

// jiffy replaces restart timeouts that already expired, so that the
// restarted call times out as soon as it runs.
const jiffy = int64(10 * time.Millisecond)

// credentialsFromRecord builds the credentials a TASK record describes.
func credentialsFromRecord(r *taskRecord) (*auth.Credentials, error) {
	if r.NGroups > image.MaxGroups {
		return nil, corrupt(r.obj.Kind, r.obj.Pos, "%d supplementary groups", r.NGroups)
	}
	creds := &auth.Credentials{
		RealKUID:      auth.KUID(r.UID),
		EffectiveKUID: auth.KUID(r.EUID),
		SavedKUID:     auth.KUID(r.SUID),
		FSKUID:        auth.KUID(r.FSUID),
		RealKGID:      auth.KGID(r.GID),
		EffectiveKGID: auth.KGID(r.EGID),
		SavedKGID:     auth.KGID(r.SGID),
		FSKGID:        auth.KGID(r.FSGID),
		TaskCapabilities: auth.TaskCapabilities{
			PermittedCaps:   auth.CapabilitySet(r.CapPermitted),
			InheritableCaps: auth.CapabilitySet(r.CapInheritable),
			EffectiveCaps:   auth.CapabilitySet(r.CapEffective),
		},
		KeepCapabilities: r.Securebits&image.SecurebitKeepCaps != 0,
		Securebits:       r.Securebits &^ image.SecurebitKeepCaps,
	}
	for _, g := range r.Groups[:r.NGroups] {
		creds.ExtraKGIDs = append(creds.ExtraKGIDs, auth.KGID(g))
	}
	return creds, nil
}

func (u *taskUnit) restoreCredentials() error {
	creds, err := credentialsFromRecord(u.rec)
	if err != nil {
		return err
	}
	if old := u.t.Credentials(); old != nil && old.Equal(creds) {
		return nil
	}
	u.t.SetCredentials(creds)
	return nil
}

// restoreLimits gives a thread group leader its recorded rlimits.
func (u *taskUnit) restoreLimits() error {
	r := u.rec
	if !r.isLeader() {
		return nil
	}
	rls := make([]linux.RLimit, len(r.RLimits))
	for i, rl := range r.RLimits {
		rls[i] = linux.RLimit{Cur: rl.Cur, Max: rl.Max}
	}
	ls, err := limits.FromLinuxRLimits(rls)
	if err != nil {
		return corrupt(r.obj.Kind, r.obj.Pos, "%v", err)
	}
	if a := u.c.opts.Accounting; a != nil {
		if err := a.Charge(u.t, ls); err != nil {
			return wrapf(r.obj.Kind, r.obj.Pos, err, "charging limits of task %d", r.PID)
		}
	}
	u.t.ThreadGroup().SetLimits(ls)
	return nil
}

// restoreSignals restores handlers, the blocked mask and pending signals.
func (u *taskUnit) restoreSignals() error {
	c, r := u.c, u.rec
	if !r.SigHand.IsNull() {
		if obj, ok := c.reg.Lookup(image.KindSigHand, r.SigHand); ok {
			if sh := obj.(*kernel.SignalHandlers); u.t.ThreadGroup().SignalHandlers() != sh {
				u.t.SetSignalHandlers(sh)
			}
		} else if err := u.restoreSignalHandlers(r.SigHand); err != nil {
			return err
		}
	}

	u.t.SetSignalMask(linux.SignalSet(r.Blocked))

	for _, o := range r.queue {
		q := o.Payload.(*image.SigQueue)
		shared := q.Shared != 0
		if shared && !r.isLeader() {
			// The thread group's queue is recorded with each thread.
			continue
		}
		info := kernel.SignalInfo{Signo: q.Signo, Code: q.Code, PID: q.PID, UID: q.UID}
		if err := u.t.QueueSignal(info, shared); err != nil {
			return wrapf(o.Kind, o.Pos, err, "queueing signal %d", q.Signo)
		}
	}
	return nil
}

// restoreSignalHandlers builds the SIGHAND record at pos and attaches it.
func (u *taskUnit) restoreSignalHandlers(pos image.Pos) error {
	c := u.c
	o, err := c.img.ReadObject(pos, image.KindSigHand)
	if err != nil {
		return wrap(image.KindSigHand, pos, err)
	}
	children, err := c.img.Children(o)
	if err != nil {
		return wrap(o.Kind, o.Pos, err)
	}
	sh := kernel.NewSignalHandlers()
	for _, ch := range children {
		if ch.Kind != image.KindSigAction {
			sh.DecUsers()
			return corrupt(ch.Kind, ch.Pos, "unexpected object in %v", o.Kind)
		}
		a := ch.Payload.(*image.SigAction)
		act := linux.SigAction{
			Handler:  a.Handler,
			Flags:    a.Flags,
			Restorer: a.Restorer,
			Mask:     linux.SignalSet(a.Mask),
		}
		if err := sh.SetAction(linux.Signal(a.Signo), act); err != nil {
			sh.DecUsers()
			return corrupt(ch.Kind, ch.Pos, "action for signal %d: %v", a.Signo, err)
		}
	}
	// The registry keeps the initial user.
	if err := c.reg.Register(image.KindSigHand, pos, sh, sh.DecUsers); err != nil {
		sh.DecUsers()
		return wrap(o.Kind, o.Pos, err)
	}
	u.t.SetSignalHandlers(sh)
	return nil
}

// restoreIdentity restores scalar task fields.
func (u *taskUnit) restoreIdentity() {
	r := u.rec
	if r.Personality != 0 {
		u.t.SetPersonality(r.Personality)
	}
	u.t.SetFlags(r.Flags & (linux.PF_FORKNOEXEC | linux.PF_SUPERPRIV))
	u.t.SetExitCode(r.ExitCode)
	u.t.SetParentDeathSignal(linux.Signal(r.PdeathSignal))
}

// restoreRestartBlock rebuilds an interrupted system call's restart state.
//
// Sleeps and futex waits keep their deadline on the monotonic clock, which
// does not advance while the tree is checkpointed. Poll timeouts are
// relative and the downtime counts against them.
func (u *taskUnit) restoreRestartBlock() error {
	r := u.rec
	if r.RestartKind == image.RestartNone {
		return nil
	}
	base := u.c.img.Header.CheckpointMonotonic
	rem := r.RestartDeadline
	var deadline int64
	switch r.RestartKind {
	case image.RestartNanosleep, image.RestartFutexWait:
		if rem < 0 {
			rem = jiffy
		}
		deadline = base + rem
	case image.RestartPoll:
		if rem != 0 {
			if rem -= int64(u.c.delta); rem <= 0 {
				rem = jiffy
			}
			deadline = base + rem
		}
	default:
		return corrupt(r.obj.Kind, r.obj.Pos, "unknown restart block kind %d", r.RestartKind)
	}
	u.t.SetRestartBlock(&kernel.RestartBlock{
		Kind:     kernel.RestartKind(r.RestartKind),
		Deadline: deadline,
		Args:     r.RestartArgs,
	})
	return nil
}

// restoreTimers arms the interval timers of a thread group leader.
func (u *taskUnit) restoreTimers() error {
	r := u.rec
	if !r.isLeader() {
		return nil
	}
	for _, it := range []struct {
		which           int
		value, interval int64
	}{
		{linux.ITIMER_REAL, r.ITRealValue, r.ITRealInterval},
		{linux.ITIMER_VIRTUAL, r.ITVirtValue, r.ITVirtInterval},
		{linux.ITIMER_PROF, r.ITProfValue, r.ITProfInterval},
	} {
		timer, err := u.t.ThreadGroup().ITimer(it.which)
		if err != nil {
			return wrap(r.obj.Kind, r.obj.Pos, err)
		}
		if err := timer.Set(time.Duration(it.value), time.Duration(it.interval)); err != nil {
			return corrupt(r.obj.Kind, r.obj.Pos, "itimer %d: value %d interval %d", it.which, it.value, it.interval)
		}
	}
	return nil
}

// linkProcessGroups restores process groups and sessions once every task
// exists.
func (c *Context) linkProcessGroups() {
	for _, u := range c.units() {
		r := u.rec
		if !r.isLeader() || r.PGRP <= 0 {
			continue
		}
		sid := r.Session
		if sid <= 0 {
			sid = r.PGRP
		}
		u.t.ThreadGroup().SetProcessGroup(kernel.ProcessGroupID(r.PGRP), kernel.SessionID(sid))
	}
}
