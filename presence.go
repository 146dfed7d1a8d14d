package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type PresenceSettings struct {
	// absorbs event bursts, e.g. a join immediately followed by a
	// session-start for the same user
	DebounceDelay   time.Duration
	SnapshotTimeout time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		DebounceDelay:   300 * time.Millisecond,
		SnapshotTimeout: 10 * time.Second,
	}
}

var presenceLog = LogFn(LogLevelDebug, "[pres]")
var refreshLog = SubLogFn(LogLevelDebug, presenceLog, "refresh")

type projectPresence struct {
	epoch int
	users []*UserSummary
	timer *time.Timer
}

// PresenceTracker reports which users are active on each joined project.
// "Active" means the user has a work session with no recorded end; it is a
// session-level fact owned by the server, not a socket-connectivity fact.
// The tracker never updates counts incrementally: any membership-changing
// push event schedules a debounced re-query of the snapshot endpoint, and
// the response is adopted wholesale as current truth.
type PresenceTracker struct {
	ctx    context.Context
	cancel context.CancelFunc

	api        *Api
	channel    *Channel
	dispatcher *Dispatcher

	settings *PresenceSettings

	mutex     sync.Mutex
	nextEpoch int
	projects  map[Id]*projectPresence

	subs []Sub
}

func NewPresenceTrackerWithDefaults(api *Api, channel *Channel, dispatcher *Dispatcher) *PresenceTracker {
	return NewPresenceTracker(api, channel, dispatcher, DefaultPresenceSettings())
}

func NewPresenceTracker(api *Api, channel *Channel, dispatcher *Dispatcher, settings *PresenceSettings) *PresenceTracker {
	cancelCtx, cancel := context.WithCancel(context.Background())
	tracker := &PresenceTracker{
		ctx:        cancelCtx,
		cancel:     cancel,
		api:        api,
		channel:    channel,
		dispatcher: dispatcher,
		settings:   settings,
		projects:   map[Id]*projectPresence{},
	}

	membershipEvents := []string{
		EventUserJoined,
		EventUserLeft,
		EventSessionStarted,
		EventSessionEnded,
	}
	for _, eventName := range membershipEvents {
		tracker.subs = append(tracker.subs, dispatcher.On(eventName, tracker.membershipChanged))
	}
	// events may have been missed during a drop
	tracker.subs = append(tracker.subs, dispatcher.On(EventReconnected, tracker.reconnected))

	return tracker
}

// JoinProject subscribes the channel to the project and queries the snapshot
// endpoint for the initial active-user set.
func (self *PresenceTracker) JoinProject(ctx context.Context, projectId Id) error {
	if err := self.channel.JoinProject(projectId); err != nil {
		return err
	}

	self.mutex.Lock()
	entry, ok := self.projects[projectId]
	if !ok {
		self.nextEpoch += 1
		entry = &projectPresence{
			epoch: self.nextEpoch,
		}
		self.projects[projectId] = entry
	}
	epoch := entry.epoch
	self.mutex.Unlock()

	snapshotCtx, snapshotCancel := context.WithTimeout(ctx, self.settings.SnapshotTimeout)
	defer snapshotCancel()

	result, err := self.api.GetProjectPresenceSync(snapshotCtx, projectId)
	if err != nil {
		// the project stays joined; the next membership event re-queries
		return err
	}
	self.adopt(projectId, epoch, result.Users)
	return nil
}

// LeaveProject stops snapshot refreshes for the project. An in-flight
// debounced refresh that resolves after this call is stale and is dropped.
func (self *PresenceTracker) LeaveProject(projectId Id) {
	self.mutex.Lock()
	if entry, ok := self.projects[projectId]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(self.projects, projectId)
	}
	self.mutex.Unlock()

	if err := self.channel.LeaveProject(projectId); err != nil {
		glog.V(1).Infof("[pres]leave %s = %s\n", projectId, err)
	}
}

// ActiveUsers returns the last adopted snapshot for the project.
func (self *PresenceTracker) ActiveUsers(projectId Id) []*UserSummary {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.projects[projectId]
	if !ok {
		return nil
	}
	users := make([]*UserSummary, len(entry.users))
	copy(users, entry.users)
	return users
}

func (self *PresenceTracker) Close() {
	for _, sub := range self.subs {
		self.dispatcher.Off(sub)
	}
	self.subs = nil
	self.cancel()

	self.mutex.Lock()
	for _, entry := range self.projects {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	self.projects = map[Id]*projectPresence{}
	self.mutex.Unlock()
}

func (self *PresenceTracker) membershipChanged(event *PushEvent) {
	self.scheduleRefresh(event.ProjectId)
}

func (self *PresenceTracker) reconnected(event *PushEvent) {
	self.mutex.Lock()
	projectIds := maps.Keys(self.projects)
	self.mutex.Unlock()

	for _, projectId := range projectIds {
		self.scheduleRefresh(projectId)
	}
}

// scheduleRefresh debounces the snapshot re-query. Scheduling again before
// the delay elapses restarts the wait, so a burst collapses into one query.
func (self *PresenceTracker) scheduleRefresh(projectId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.projects[projectId]
	if !ok {
		// not joined
		return
	}
	epoch := entry.epoch

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(self.settings.DebounceDelay, func() {
		self.refresh(projectId, epoch)
	})
}

func (self *PresenceTracker) refresh(projectId Id, epoch int) {
	snapshotCtx, snapshotCancel := context.WithTimeout(self.ctx, self.settings.SnapshotTimeout)
	defer snapshotCancel()

	result, err := self.api.GetProjectPresenceSync(snapshotCtx, projectId)
	if err != nil {
		refreshLog("%s dropped = %s", projectId, err)
		return
	}
	self.adopt(projectId, epoch, result.Users)
}

func (self *PresenceTracker) adopt(projectId Id, epoch int, users []*UserSummary) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.projects[projectId]
	if !ok || entry.epoch != epoch {
		// left (and possibly rejoined) while the query was in flight
		presenceLog("stale snapshot %s dropped", projectId)
		return
	}
	entry.users = users
	entry.timer = nil
}
