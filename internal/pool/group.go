package pool

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/turtacn/Portus/internal/monitor"
	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
	"github.com/turtacn/Portus/pkg/logger"
)

// GetCallback receives the outcome of an asynchronous get. It runs after the
// pool lock has been released and may call back into the pool.
type GetCallback func(*Session, error)

// DisableCallback reports how a deferred disable ended.
type DisableCallback func(*Process, consts.DisableResult)

type getWaiter struct {
	opts  Options
	cb    GetCallback
	since time.Time
	// ticket identifies the waiter for withdrawGet; 0 when it cannot be
	// withdrawn.
	ticket uint64
}

type disableWaiter struct {
	process *Process
	cb      DisableCallback
}

// Group is the set of processes serving one application. All fields are
// guarded by the pool lock.
type Group struct {
	pool    *Pool
	name    string
	key     string
	uuid    string
	apiKey  string
	options Options
	log     logger.Logger

	enabled   []*Process
	disabling []*Process
	disabled  []*Process
	detached  []*Process

	getWaitlist     []getWaiter
	disableWaitlist []disableWaiter

	lifeStatus    consts.GroupLifeStatus
	generation    uint
	restarting    bool
	restartMethod consts.RestartMethod

	spawning              bool
	processesBeingSpawned int
	spawnFailures         int
	spawnErr              error
	nextSpawnAt           time.Time

	restartFileMtime   time.Time
	restartFileChecked time.Time

	oobwRunning       int
	checkerRunning    bool
	shutdownCallbacks []func()
}

func newGroup(p *Pool, opts Options) *Group {
	g := &Group{
		pool:       p,
		name:       opts.GroupName(),
		key:        opts.GroupKey(),
		uuid:       uuid.NewString(),
		apiKey:     opts.APIKey,
		options:    opts,
		lifeStatus: consts.GroupAlive,
	}
	g.log = logger.Log.With("group", g.name)
	if g.apiKey == "" {
		g.apiKey = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if opts.AppRoot != "" {
		if st, err := os.Stat(filepath.Join(opts.RestartDir(), "restart.txt")); err == nil {
			g.restartFileMtime = st.ModTime()
		}
	}
	return g
}

// Identity accessors. The identity never changes after creation, so they
// need no lock.
func (g *Group) Name() string     { return g.name }
func (g *Group) UUID() string     { return g.uuid }
func (g *Group) APIKey() string   { return g.apiKey }
func (g *Group) Options() Options { return g.options }

// capacityUsed counts processes that take a pool slot. Detached processes
// are on their way out and do not.
func (g *Group) capacityUsed() int {
	return len(g.enabled) + len(g.disabling) + len(g.disabled) + g.processesBeingSpawned
}

func (g *Group) allProcesses() []*Process {
	all := make([]*Process, 0, len(g.enabled)+len(g.disabling)+len(g.disabled)+len(g.detached))
	all = append(all, g.enabled...)
	all = append(all, g.disabling...)
	all = append(all, g.disabled...)
	return append(all, g.detached...)
}

func (g *Group) findProcess(pred func(*Process) bool) *Process {
	p, _ := lo.Find(g.allProcesses(), pred)
	return p
}

func lessBusy(a, b *Process) bool {
	if a.Busyness() != b.Busyness() {
		return a.Busyness() < b.Busyness()
	}
	return a.generation > b.generation
}

// route picks the process the next request goes to, or nil when the caller
// has to wait.
func (g *Group) route(opts Options) *Process {
	if opts.StickySessionID != 0 {
		sticky, ok := lo.Find(append(slices.Clone(g.enabled), g.disabling...), func(p *Process) bool {
			return p.stickySessionID == opts.StickySessionID
		})
		if ok && sticky.CanBeRoutedTo() {
			return sticky
		}
	}
	if best := lo.MinBy(g.enabled, lessBusy); best != nil && best.CanBeRoutedTo() {
		return best
	}
	if best := lo.MinBy(g.disabling, lessBusy); best != nil && best.CanBeRoutedTo() {
		return best
	}
	return nil
}

// checkoutSession routes and opens a session. When the routed process has no
// free socket the remaining candidates are tried in order.
func (g *Group) checkoutSession(opts Options, now time.Time) *Session {
	p := g.route(opts)
	if p == nil {
		return nil
	}
	if s := p.newSession(g.pool, now); s != nil {
		return s
	}
	for _, other := range append(slices.Clone(g.enabled), g.disabling...) {
		if other == p || !other.CanBeRoutedTo() {
			continue
		}
		if s := other.newSession(g.pool, now); s != nil {
			return s
		}
	}
	return nil
}

func (g *Group) get(w getWaiter, acts *actions) {
	opts, cb := w.opts, w.cb
	if g.lifeStatus != consts.GroupAlive {
		err := perrors.New(perrors.ErrCodePoolShuttingDown, "group.get", "group "+g.name+" is shutting down", nil)
		acts.add(func() { cb(nil, err) })
		return
	}
	now := time.Now()
	if g.needsRestart(now) {
		g.log.Info("Restart file changed, restarting group")
		g.restart(g.pool.cfg.RestartMethod, acts)
	}

	if sess := g.checkoutSession(opts, now); sess != nil {
		acts.add(func() { cb(sess, nil) })
		return
	}

	hasProcesses := len(g.enabled)+len(g.disabling) > 0
	if g.spawnErr != nil && !hasProcesses && !g.spawning && now.Before(g.nextSpawnAt) {
		err := g.spawnErr
		acts.add(func() { cb(nil, err) })
		return
	}
	g.spawnIfNeeded(acts)

	// Waiting for a first process is always allowed. The queue bound applies
	// once callers wait behind busy processes or a full pool.
	bounded := hasProcesses || !g.spawning
	if bounded && opts.MaxRequestQueueSize >= 0 && len(g.getWaitlist) >= opts.MaxRequestQueueSize {
		err := perrors.New(perrors.ErrCodeRequestQueueFull, "group.get",
			"request queue of "+g.name+" is full", nil)
		acts.add(func() { cb(nil, err) })
		return
	}
	w.since = now
	g.getWaitlist = append(g.getWaitlist, w)
}

func (g *Group) assignSessionsToGetWaiters(acts *actions) {
	now := time.Now()
	for len(g.getWaitlist) > 0 {
		w := g.getWaitlist[0]
		sess := g.checkoutSession(w.opts, now)
		if sess == nil {
			return
		}
		g.getWaitlist = g.getWaitlist[1:]
		acts.add(func() { w.cb(sess, nil) })
	}
}

func (g *Group) failGetWaiters(err error, acts *actions) {
	for _, w := range g.getWaitlist {
		cb := w.cb
		acts.add(func() { cb(nil, err) })
	}
	g.getWaitlist = nil
}

/***** Spawning *****/

func (g *Group) oldProcessCount() int {
	return lo.CountBy(append(append(slices.Clone(g.enabled), g.disabling...), g.disabled...), func(p *Process) bool {
		return p.generation < g.generation
	})
}

// wantsMoreProcesses reports whether another spawn would be useful.
func (g *Group) wantsMoreProcesses() bool {
	switch {
	case g.lifeStatus != consts.GroupAlive:
		return false
	case len(g.enabled)+g.processesBeingSpawned < g.options.MinProcesses:
		return true
	case g.restarting && g.oldProcessCount() > 0:
		return true
	case len(g.getWaitlist) > 0:
		return g.route(g.getWaitlist[0].opts) == nil
	}
	return false
}

// spawnIfNeeded starts a spawn unless one is in flight or no capacity can be
// found for it.
func (g *Group) spawnIfNeeded(acts *actions) {
	if g.spawning || g.lifeStatus != consts.GroupAlive {
		return
	}
	if g.options.MaxProcesses > 0 && g.capacityUsed() >= g.options.MaxProcesses {
		if !g.restarting || !g.detachOldProcess(acts) {
			return
		}
	}
	if g.pool.atFullCapacity() && !g.pool.forceFreeCapacity(g, acts) {
		if !g.restarting || !g.detachOldProcess(acts) {
			return
		}
	}
	g.startSpawn()
}

func (g *Group) startSpawn() {
	g.spawning = true
	g.processesBeingSpawned++
	opts := g.options
	generation := g.generation
	delay := time.Until(g.nextSpawnAt)
	go g.spawnWorker(opts, generation, delay)
}

func (g *Group) spawnWorker(opts Options, generation uint, delay time.Duration) {
	ctx := g.pool.ctx
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	var (
		res *SpawnResult
		err error
	)
	start := time.Now()
	if ctx.Err() != nil {
		err = perrors.New(perrors.ErrCodePoolShuttingDown, "group.spawn", "pool is shutting down", ctx.Err())
	} else {
		spawnCtx, cancel := context.WithTimeout(ctx, opts.StartTimeout)
		res, err = g.pool.spawner.Spawn(spawnCtx, opts)
		if err == nil && res == nil {
			err = &SpawnError{Summary: "spawner returned no process"}
		}
		cancel()
	}
	monitor.SpawnDuration.Observe(time.Since(start).Seconds())

	g.pool.mu.Lock()
	var acts actions
	g.onSpawnFinished(res, err, generation, &acts)
	g.pool.mu.Unlock()
	acts.run()
}

func (g *Group) onSpawnFinished(res *SpawnResult, err error, generation uint, acts *actions) {
	g.processesBeingSpawned--
	g.spawning = false

	var p *Process
	if err == nil {
		p, err = newProcess(g, res, generation)
		if err != nil {
			if res.AdminPipe != nil {
				_ = res.AdminPipe.Close()
			}
			if res.Handle != nil {
				_ = res.Handle.Kill()
			}
		}
	}

	if err != nil {
		monitor.SpawnTotal.WithLabelValues(g.name, "error").Inc()
		g.spawnFailures++
		g.nextSpawnAt = time.Now().Add(g.backoff())
		g.log.Error("Spawn failed", "err", err, "failures", g.spawnFailures)
		if g.lifeStatus != consts.GroupAlive {
			g.maybeFinishShutdown(acts)
			return
		}
		if g.spawnFailures >= g.pool.cfg.SpawnErrorThreshold {
			g.spawnErr = err
			if len(g.enabled)+len(g.disabling) == 0 {
				g.failGetWaiters(err, acts)
			}
		} else if g.wantsMoreProcesses() {
			g.spawnIfNeeded(acts)
		}
		g.pool.assignCapacity(acts)
		return
	}

	monitor.SpawnTotal.WithLabelValues(g.name, "ok").Inc()
	g.spawnFailures = 0
	g.spawnErr = nil
	g.nextSpawnAt = time.Time{}

	if g.lifeStatus != consts.GroupAlive || generation < g.generation {
		// Spawned for a group that went away or restarted in the meantime.
		g.attach(p)
		g.detachProcess(p, "outdated", acts)
		g.maybeFinishShutdown(acts)
		g.spawnIfNeeded(acts)
		return
	}

	g.attach(p)
	g.log.Info("Process spawned", "pid", p.pid, "gupid", p.gupid, "generation", p.generation,
		"concurrency", p.concurrency)
	g.assignSessionsToGetWaiters(acts)
	if g.restarting {
		g.continueRollingRestart(acts)
	}
	if g.wantsMoreProcesses() {
		g.spawnIfNeeded(acts)
	}
}

// backoff doubles the spawn delay per consecutive failure up to the cap.
func (g *Group) backoff() time.Duration {
	base, max := g.pool.cfg.SpawnBackoffBase, g.pool.cfg.SpawnBackoffMax
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < g.spawnFailures && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

func (g *Group) attach(p *Process) {
	p.stickySessionID = g.newStickySessionID()
	p.enabled = consts.Enabled
	g.enabled = append(g.enabled, p)
}

func (g *Group) newStickySessionID() uint32 {
	for {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		if g.findProcess(func(p *Process) bool { return p.stickySessionID == id }) == nil {
			return id
		}
	}
}

/***** Restart *****/

func (g *Group) restart(method consts.RestartMethod, acts *actions) {
	if g.lifeStatus != consts.GroupAlive {
		return
	}
	if method == "" {
		method = consts.RestartRolling
	}
	monitor.RestartTotal.WithLabelValues(string(method)).Inc()
	g.generation++
	g.restartMethod = method
	g.spawnErr = nil
	g.spawnFailures = 0
	g.nextSpawnAt = time.Time{}
	g.log.Info("Restarting group", "method", method, "generation", g.generation)

	if method == consts.RestartRolling && len(g.enabled) > 0 {
		g.restarting = true
		g.spawnIfNeeded(acts)
		return
	}
	g.restarting = false
	for _, p := range append(append(slices.Clone(g.enabled), g.disabling...), g.disabled...) {
		g.detachProcess(p, "restart", acts)
	}
	g.pool.assignCapacity(acts)
	if g.wantsMoreProcesses() {
		g.spawnIfNeeded(acts)
	}
}

// Restart restarts the group. Queued gets wait for the new processes.
func (g *Group) Restart(method consts.RestartMethod) {
	g.pool.mu.Lock()
	var acts actions
	g.restart(method, &acts)
	g.pool.mu.Unlock()
	acts.run()
}

// detachOldProcess retires one process of a previous generation, idle ones
// first.
func (g *Group) detachOldProcess(acts *actions) bool {
	old := lo.Filter(append(append(slices.Clone(g.enabled), g.disabling...), g.disabled...), func(p *Process, _ int) bool {
		return p.generation < g.generation
	})
	if len(old) == 0 {
		return false
	}
	victim := lo.MinBy(old, lessBusy)
	g.detachProcess(victim, "restart", acts)
	return true
}

func (g *Group) continueRollingRestart(acts *actions) {
	g.detachOldProcess(acts)
	if g.oldProcessCount() == 0 {
		g.restarting = false
		g.log.Info("Rolling restart finished", "generation", g.generation)
	}
	g.pool.assignCapacity(acts)
}

// needsRestart checks tmp/restart.txt and tmp/always_restart.txt, at most
// once per RestartFileCheckInterval.
func (g *Group) needsRestart(now time.Time) bool {
	if g.options.AppRoot == "" || now.Sub(g.restartFileChecked) < consts.RestartFileCheckInterval {
		return false
	}
	g.restartFileChecked = now
	dir := g.options.RestartDir()
	if _, err := os.Stat(filepath.Join(dir, "always_restart.txt")); err == nil {
		return true
	}
	st, err := os.Stat(filepath.Join(dir, "restart.txt"))
	if err != nil {
		g.restartFileMtime = time.Time{}
		return false
	}
	if st.ModTime().Equal(g.restartFileMtime) {
		return false
	}
	g.restartFileMtime = st.ModTime()
	return true
}

/***** Disable, enable, detach *****/

func removeProcess(list []*Process, p *Process) []*Process {
	return slices.DeleteFunc(list, func(q *Process) bool { return q == p })
}

func (g *Group) disable(p *Process, cb DisableCallback, acts *actions) consts.DisableResult {
	switch p.enabled {
	case consts.Enabled:
		g.enabled = removeProcess(g.enabled, p)
		g.disabling = append(g.disabling, p)
		p.enabled = consts.Disabling
		if len(g.enabled) == 0 {
			g.spawnIfNeeded(acts)
		}
		if p.sessions == 0 {
			g.finishDisable(p, acts)
			return consts.DisableSuccess
		}
		g.disableWaitlist = append(g.disableWaitlist, disableWaiter{process: p, cb: cb})
		return consts.DisableDeferred
	case consts.Disabling:
		g.disableWaitlist = append(g.disableWaitlist, disableWaiter{process: p, cb: cb})
		return consts.DisableDeferred
	case consts.Disabled:
		return consts.DisableNoop
	}
	return consts.DisableError
}

func (g *Group) finishDisable(p *Process, acts *actions) {
	g.disabling = removeProcess(g.disabling, p)
	g.disabled = append(g.disabled, p)
	p.enabled = consts.Disabled
	g.fireDisableWaiters(p, consts.DisableSuccess, acts)
}

func (g *Group) fireDisableWaiters(p *Process, result consts.DisableResult, acts *actions) {
	g.disableWaitlist = slices.DeleteFunc(g.disableWaitlist, func(w disableWaiter) bool {
		if w.process != p {
			return false
		}
		if w.cb != nil {
			cb := w.cb
			acts.add(func() { cb(p, result) })
		}
		return true
	})
}

func (g *Group) enable(p *Process, acts *actions) {
	switch p.enabled {
	case consts.Disabling:
		g.disabling = removeProcess(g.disabling, p)
		g.fireDisableWaiters(p, consts.DisableCanceled, acts)
	case consts.Disabled:
		g.disabled = removeProcess(g.disabled, p)
	default:
		return
	}
	p.enabled = consts.Enabled
	g.enabled = append(g.enabled, p)
	g.assignSessionsToGetWaiters(acts)
}

// detachProcess takes p out of routing. Its shutdown is driven by the
// detached-process checker.
func (g *Group) detachProcess(p *Process, reason string, acts *actions) {
	switch p.enabled {
	case consts.Enabled:
		g.enabled = removeProcess(g.enabled, p)
	case consts.Disabling:
		g.disabling = removeProcess(g.disabling, p)
	case consts.Disabled:
		g.disabled = removeProcess(g.disabled, p)
	case consts.Detached:
		return
	}
	g.fireDisableWaiters(p, consts.DisableError, acts)

	p.enabled = consts.Detached
	g.detached = append(g.detached, p)
	monitor.DetachTotal.WithLabelValues(reason).Inc()
	g.log.Info("Process detached", "pid", p.pid, "gupid", p.gupid, "reason", reason, "sessions", p.sessions)
	if p.CanTriggerShutdown() {
		if err := p.TriggerShutdown(); err != nil {
			g.log.Warn("Cannot trigger shutdown", "pid", p.pid, "err", err)
		}
	}
	g.startDetachedChecker()
}

func (g *Group) detach(p *Process, reason string, acts *actions) {
	g.detachProcess(p, reason, acts)
	g.pool.assignCapacity(acts)
}

/***** Session bookkeeping *****/

func (g *Group) onSessionClosed(p *Process, acts *actions) {
	switch p.enabled {
	case consts.Enabled:
		if g.options.MaxRequests > 0 && p.processed >= uint64(g.options.MaxRequests) {
			g.log.Info("Process reached its request limit", "pid", p.pid, "processed", p.processed)
			g.detach(p, "max_requests", acts)
			if g.wantsMoreProcesses() {
				g.spawnIfNeeded(acts)
			}
		} else if p.sessions == 0 && p.OOBWStatus() == consts.OobwRequested {
			g.startOOBW(p, acts)
		}
	case consts.Disabling:
		if p.sessions == 0 {
			g.finishDisable(p, acts)
		}
	case consts.Detached:
		if p.CanTriggerShutdown() {
			if err := p.TriggerShutdown(); err != nil {
				g.log.Warn("Cannot trigger shutdown", "pid", p.pid, "err", err)
			}
		}
	}
	g.assignSessionsToGetWaiters(acts)
}

/***** Detached processes *****/

func (g *Group) startDetachedChecker() {
	if g.checkerRunning {
		return
	}
	g.checkerRunning = true
	go g.detachedChecker()
}

func (g *Group) detachedChecker() {
	ticker := time.NewTicker(g.pool.cfg.DetachedCheckInterval)
	defer ticker.Stop()
	for range ticker.C {
		g.pool.mu.Lock()
		var acts actions
		done := g.checkDetachedProcesses(&acts)
		if done {
			g.checkerRunning = false
		}
		g.pool.mu.Unlock()
		acts.run()
		if done {
			return
		}
	}
}

// checkDetachedProcesses drives every detached process towards DEAD and
// reports whether none are left.
func (g *Group) checkDetachedProcesses(acts *actions) bool {
	remaining := g.detached[:0]
	for _, p := range g.detached {
		if p.IsAlive() && p.sessions == 0 {
			if err := p.TriggerShutdown(); err != nil {
				g.log.Warn("Cannot trigger shutdown", "pid", p.pid, "err", err)
			}
		}
		if p.LifeStatus() == consts.LifeShutdownTriggered {
			if !p.OSProcessExists() {
				if err := p.Cleanup(); err != nil {
					g.log.Warn("Process cleanup incomplete", "pid", p.pid, "err", err)
				}
				g.log.Info("Process exited", "pid", p.pid, "gupid", p.gupid)
				continue
			}
			if p.ShutdownTimeoutExpired() {
				g.log.Warn("Process did not exit in time, killing it", "pid", p.pid)
				if err := p.kill(); err != nil {
					g.log.Warn("Cannot kill process", "pid", p.pid, "err", err)
				}
			}
		}
		if p.IsDead() {
			continue
		}
		remaining = append(remaining, p)
	}
	clear(g.detached[len(remaining):])
	g.detached = remaining
	if len(g.detached) > 0 {
		return false
	}
	g.maybeFinishShutdown(acts)
	return true
}

/***** Eviction and sweeping *****/

// evictIdle detaches processes unused for longer than idleTime while more
// than MinProcesses remain.
func (g *Group) evictIdle(now time.Time, idleTime time.Duration, acts *actions) {
	if idleTime <= 0 || g.lifeStatus != consts.GroupAlive {
		return
	}
	for _, p := range slices.Clone(g.enabled) {
		if len(g.enabled) <= g.options.MinProcesses {
			return
		}
		if p.sessions == 0 && p.OOBWStatus() == consts.OobwNotActive && now.Sub(p.lastUsed) > idleTime {
			g.detach(p, "idle", acts)
		}
	}
}

// sweepDead detaches processes whose OS process vanished.
func (g *Group) sweepDead(acts *actions) {
	for _, p := range append(append(slices.Clone(g.enabled), g.disabling...), g.disabled...) {
		if !p.OSProcessExists() {
			g.log.Warn("Process exited unexpectedly", "pid", p.pid, "gupid", p.gupid)
			g.detach(p, "died", acts)
		}
	}
	if g.wantsMoreProcesses() {
		g.spawnIfNeeded(acts)
	}
}

/***** Shutdown *****/

func (g *Group) shutdown(cb func(), acts *actions) {
	if cb != nil {
		g.shutdownCallbacks = append(g.shutdownCallbacks, cb)
	}
	if g.lifeStatus != consts.GroupAlive {
		g.maybeFinishShutdown(acts)
		return
	}
	g.lifeStatus = consts.GroupShuttingDown
	g.restarting = false
	g.log.Info("Shutting down group")
	g.failGetWaiters(perrors.New(perrors.ErrCodePoolShuttingDown, "group.shutdown",
		"group "+g.name+" is shutting down", nil), acts)
	for _, p := range append(append(slices.Clone(g.enabled), g.disabling...), g.disabled...) {
		g.detachProcess(p, "shutdown", acts)
	}
	for _, w := range g.disableWaitlist {
		if w.cb != nil {
			cb, p := w.cb, w.process
			acts.add(func() { cb(p, consts.DisableCanceled) })
		}
	}
	g.disableWaitlist = nil
	g.maybeFinishShutdown(acts)
}

func (g *Group) maybeFinishShutdown(acts *actions) {
	if g.lifeStatus == consts.GroupAlive || len(g.detached) > 0 || g.processesBeingSpawned > 0 {
		return
	}
	if g.lifeStatus == consts.GroupShuttingDown {
		g.lifeStatus = consts.GroupShutDown
		g.log.Info("Group shut down")
		g.pool.onGroupShutDown(g)
	}
	for _, cb := range g.shutdownCallbacks {
		acts.add(cb)
	}
	g.shutdownCallbacks = nil
}

/***** Snapshot *****/

// GroupSnapshot is the JSON form of a Group.
type GroupSnapshot struct {
	Name                  string            `json:"name"`
	UUID                  string            `json:"uuid"`
	AppRoot               string            `json:"app_root"`
	Environment           string            `json:"environment"`
	AppType               string            `json:"app_type,omitempty"`
	LifeStatus            string            `json:"life_status"`
	Generation            uint              `json:"generation"`
	CapacityUsed          int               `json:"capacity_used"`
	ProcessesBeingSpawned int               `json:"processes_being_spawned"`
	Enabled               int               `json:"enabled_process_count"`
	Disabling             int               `json:"disabling_process_count"`
	Disabled              int               `json:"disabled_process_count"`
	Detached              int               `json:"detached_process_count"`
	Waitlist              int               `json:"get_wait_list_size"`
	Restarting            bool              `json:"restarting"`
	SpawnError            string            `json:"spawn_error,omitempty"`
	Processes             []ProcessSnapshot `json:"processes"`
}

func (g *Group) Snapshot() GroupSnapshot {
	s := GroupSnapshot{
		Name:                  g.name,
		UUID:                  g.uuid,
		AppRoot:               g.options.AppRoot,
		Environment:           g.options.Environment,
		AppType:               g.options.AppType,
		LifeStatus:            string(g.lifeStatus),
		Generation:            g.generation,
		CapacityUsed:          g.capacityUsed(),
		ProcessesBeingSpawned: g.processesBeingSpawned,
		Enabled:               len(g.enabled),
		Disabling:             len(g.disabling),
		Disabled:              len(g.disabled),
		Detached:              len(g.detached),
		Waitlist:              len(g.getWaitlist),
		Restarting:            g.restarting,
		Processes:             lo.Map(g.allProcesses(), func(p *Process, _ int) ProcessSnapshot { return p.Snapshot() }),
	}
	if g.spawnErr != nil {
		s.SpawnError = g.spawnErr.Error()
	}
	return s
}

func newGupid() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// Personal.AI order the ending
