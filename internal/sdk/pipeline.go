package sdk

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/zot/basekit/internal/bridge"
	"github.com/zot/basekit/internal/mutation"
)

// createdTimeLayout is the host's creation time format.
const createdTimeLayout = "2006-01-02T15:04:05.000Z"

// checkPermission asks the host whether m is allowed. It never blocks on
// the network.
func (s *Session) checkPermission(m mutation.Mutation) bridge.PermissionCheckResult {
	return s.host.CheckPermissionsForMutation(m)
}

// mutate runs a mutation through the pipeline: permission check,
// validation, optimistic apply, then dispatch. build runs with the lock
// held. When needs is set the mutation requires that data to be loaded.
// The returned error covers the local steps; the host's answer arrives
// through the Completion.
func (s *Session) mutate(ctx context.Context, needs *asyncData, build func() (mutation.Mutation, error)) (*Completion, error) {
	m, err := s.buildMutation(build)
	if err != nil {
		return nil, err
	}
	kind := string(m.Kind())

	if res := s.checkPermission(m); !res.HasPermission {
		recordMutation(ctx, kind, "denied")
		return nil, &PermissionError{Kind: kind, Reason: res.ReasonDisplayString}
	}

	s.mu.Lock()
	if needs != nil && !needs.isLoaded() {
		s.mu.Unlock()
		return nil, ErrDataNotLoaded
	}
	if err := mutation.Validate(s.tree, m, s.opts.limits); err != nil {
		s.mu.Unlock()
		recordMutation(ctx, kind, "invalid")
		return nil, err
	}
	changes, err := mutation.Changes(s.tree, m)
	if err == nil {
		err = s.applyLocked(changes, "optimistic")
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	events := s.takePending()
	s.mu.Unlock()

	s.notifier.dispatch(events)

	done := newCompletion()
	sendCtx := context.WithoutCancel(ctx)
	queued := s.outbox.Svc(func() {
		if err := s.limiter.Wait(sendCtx); err != nil {
			done.finish(err)
			return
		}
		ctx, span := startHostSpan(sendCtx, "applyMutation", kind)
		err := s.host.ApplyMutation(ctx, m)
		span.End()
		if err != nil {
			glog.Warningf("host rejected %s on %s: %v", kind, m.TableID(), err)
			recordMutation(ctx, kind, "rejected")
		} else {
			glog.V(2).Infof("host accepted %s on %s", kind, m.TableID())
			recordMutation(ctx, kind, "accepted")
		}
		done.finish(err)
	})
	if !queued {
		done.finish(ErrSessionClosed)
	}
	return done, nil
}

func (s *Session) buildMutation(build func() (mutation.Mutation, error)) (mutation.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return build()
}

// permissionFor reports the permission check for a mutation built from
// the current state.
func (s *Session) permissionFor(build func() mutation.Mutation) bridge.PermissionCheckResult {
	return s.checkPermission(s.buildUnderLock(build))
}

func (s *Session) buildUnderLock(build func() mutation.Mutation) mutation.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return build()
}

func nowCreatedTime() string {
	return time.Now().UTC().Format(createdTimeLayout)
}
