// Package pool keeps the worker processes of every application. A single
// mutex guards all Pool, Group and Process state; callbacks are collected
// while the lock is held and run after it is released.
package pool

import (
	"context"
	"crypto/subtle"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/multierr"

	"github.com/turtacn/Portus/internal/monitor"
	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
	"github.com/turtacn/Portus/pkg/logger"
)

// actions are callbacks deferred until the pool lock is released.
type actions []func()

func (a *actions) add(fn func()) { *a = append(*a, fn) }

func (a actions) run() {
	for _, fn := range a {
		fn()
	}
}

// AuthLevel is what an API key may do.
type AuthLevel int

const (
	AuthNone AuthLevel = iota
	AuthReadOnly
	// AuthGroup grants full access to a single group.
	AuthGroup
	AuthFull
)

// Sampler reads OS metrics of a pid.
type Sampler func(pid int) (Metrics, error)

type Pool struct {
	mu      sync.Mutex
	cfg     Config
	spawner Spawner
	log     logger.Logger

	groups       map[string]*Group
	shuttingDown bool

	// getWaitlist holds gets for groups that do not exist yet while the
	// pool is at full capacity.
	getWaitlist []getWaiter
	lastTicket  uint64

	ctx    context.Context
	cancel context.CancelFunc

	sampler Sampler
	bgOnce  sync.Once
	bgWG    sync.WaitGroup
}

func NewPool(spawner Spawner, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.DetachedCheckInterval <= 0 {
		cfg.DetachedCheckInterval = def.DetachedCheckInterval
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = def.SpawnTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.SpawnErrorThreshold <= 0 {
		cfg.SpawnErrorThreshold = def.SpawnErrorThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		spawner: spawner,
		log:     logger.Log.With("component", "pool"),
		groups:  make(map[string]*Group),
		ctx:     ctx,
		cancel:  cancel,
		sampler: sampleProcess,
	}
}

// SetSampler replaces the OS metrics source used by CollectAnalytics.
func (p *Pool) SetSampler(s Sampler) {
	p.mu.Lock()
	p.sampler = s
	p.mu.Unlock()
}

func (p *Pool) Config() Config { return p.cfg }

/***** Capacity *****/

func (p *Pool) capacityUsed() int {
	n := 0
	for _, g := range p.groups {
		n += g.capacityUsed()
	}
	return n
}

func (p *Pool) atFullCapacity() bool {
	return p.cfg.MaxPoolSize > 0 && p.capacityUsed() >= p.cfg.MaxPoolSize
}

// forceFreeCapacity detaches the longest idle process of another group to
// make room for exclude. It reports whether a slot was freed.
func (p *Pool) forceFreeCapacity(exclude *Group, acts *actions) bool {
	var victim *Process
	for _, g := range p.groups {
		if g == exclude || g.lifeStatus != consts.GroupAlive {
			continue
		}
		for _, proc := range g.enabled {
			if proc.sessions != 0 || proc.OOBWStatus() != consts.OobwNotActive {
				continue
			}
			if victim == nil || proc.lastUsed.Before(victim.lastUsed) {
				victim = proc
			}
		}
	}
	if victim == nil {
		return false
	}
	forGroup := "pool waitlist"
	if exclude != nil {
		forGroup = exclude.name
	}
	p.log.Info("Freeing capacity", "group", victim.group.name, "pid", victim.pid, "for", forGroup)
	victim.group.detachProcess(victim, "capacity", acts)
	return true
}

// assignCapacity hands free or freeable capacity to starved gets: first the
// pool waitlist in order, then groups whose waiters need another process.
// It runs whenever capacity is freed or a process becomes idle, since an
// idle process of one group may be evicted for another.
func (p *Pool) assignCapacity(acts *actions) {
	if p.shuttingDown {
		return
	}
	pending := p.getWaitlist
	p.getWaitlist = nil
	blocked := false
	for _, w := range pending {
		g, ok := p.groups[w.opts.GroupKey()]
		if !ok {
			if blocked || (p.atFullCapacity() && !p.forceFreeCapacity(nil, acts)) {
				blocked = true
				p.getWaitlist = append(p.getWaitlist, w)
				continue
			}
			g = p.findOrCreateGroup(w.opts)
		}
		g.get(w, acts)
	}
	for _, g := range p.sortedGroups() {
		if len(g.getWaitlist) > 0 && g.wantsMoreProcesses() {
			g.spawnIfNeeded(acts)
		}
	}
}

// starved reports whether some get may be waiting for capacity.
func (p *Pool) starved() bool {
	return len(p.getWaitlist) > 0 || p.atFullCapacity()
}

func (p *Pool) sortedGroups() []*Group {
	gs := lo.Values(p.groups)
	slices.SortFunc(gs, func(a, b *Group) int { return strings.Compare(a.name, b.name) })
	return gs
}

func (p *Pool) onGroupShutDown(g *Group) {
	if cur, ok := p.groups[g.key]; ok && cur == g {
		delete(p.groups, g.key)
	}
}

/***** Get *****/

// AsyncGet checks out a session for opts. cb runs exactly once, never with
// the pool lock held.
func (p *Pool) AsyncGet(opts Options, cb GetCallback) {
	p.mu.Lock()
	var acts actions
	p.asyncGet(getWaiter{opts: opts, cb: cb}, &acts)
	p.mu.Unlock()
	acts.run()
}

func (p *Pool) asyncGet(w getWaiter, acts *actions) {
	if p.shuttingDown {
		err := perrors.New(perrors.ErrCodePoolShuttingDown, "pool.get", "pool is shutting down", nil)
		acts.add(func() { w.cb(nil, err) })
		return
	}
	w.opts.applyDefaults(p.cfg)
	g, ok := p.groups[w.opts.GroupKey()]
	if !ok && p.atFullCapacity() && !p.forceFreeCapacity(nil, acts) {
		if w.opts.MaxRequestQueueSize >= 0 && len(p.getWaitlist) >= w.opts.MaxRequestQueueSize {
			err := perrors.New(perrors.ErrCodeRequestQueueFull, "pool.get",
				"pool is at full capacity and its request queue is full", nil)
			acts.add(func() { w.cb(nil, err) })
			return
		}
		w.since = time.Now()
		p.getWaitlist = append(p.getWaitlist, w)
		return
	}
	if !ok {
		g = p.findOrCreateGroup(w.opts)
	}
	g.get(w, acts)
}

// withdrawGet removes a queued get. It reports false when the get already
// left the queues, in which case its callback has run or is about to.
func (p *Pool) withdrawGet(ticket uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	match := func(w getWaiter) bool { return w.ticket == ticket }
	if i := slices.IndexFunc(p.getWaitlist, match); i >= 0 {
		p.getWaitlist = slices.Delete(p.getWaitlist, i, i+1)
		return true
	}
	for _, g := range p.groups {
		if i := slices.IndexFunc(g.getWaitlist, match); i >= 0 {
			g.getWaitlist = slices.Delete(g.getWaitlist, i, i+1)
			return true
		}
	}
	return false
}

// Get is the blocking form of AsyncGet. When ctx ends first the get leaves
// its queue, or, if it was already served, the session is closed right away.
func (p *Pool) Get(ctx context.Context, opts Options) (*Session, error) {
	type result struct {
		sess *Session
		err  error
	}
	ch := make(chan result, 1)
	p.mu.Lock()
	p.lastTicket++
	ticket := p.lastTicket
	var acts actions
	p.asyncGet(getWaiter{opts: opts, cb: func(s *Session, err error) { ch <- result{s, err} }, ticket: ticket}, &acts)
	p.mu.Unlock()
	acts.run()

	select {
	case r := <-ch:
		return r.sess, r.err
	case <-ctx.Done():
		aborted := perrors.New(perrors.ErrCodeGetAborted, "pool.get", "get aborted", ctx.Err())
		if p.withdrawGet(ticket) {
			return nil, aborted
		}
		go func() {
			if r := <-ch; r.sess != nil {
				r.sess.Close(false, false)
			}
		}()
		return nil, aborted
	}
}

func (p *Pool) findOrCreateGroup(opts Options) *Group {
	if g, ok := p.groups[opts.GroupKey()]; ok {
		return g
	}
	g := newGroup(p, opts)
	p.groups[g.key] = g
	p.log.Info("Group created", "group", g.name, "uuid", g.uuid)
	return g
}

// FindOrCreateGroup returns the group for opts, creating it if needed.
func (p *Pool) FindOrCreateGroup(opts Options) *Group {
	p.mu.Lock()
	defer p.mu.Unlock()
	opts.applyDefaults(p.cfg)
	return p.findOrCreateGroup(opts)
}

// Prestart creates the group of opts and spawns its minimum processes.
func (p *Pool) Prestart(opts Options) {
	p.mu.Lock()
	var acts actions
	if !p.shuttingDown {
		opts.applyDefaults(p.cfg)
		g := p.findOrCreateGroup(opts)
		if g.wantsMoreProcesses() {
			g.spawnIfNeeded(&acts)
		}
	}
	p.mu.Unlock()
	acts.run()
}

func (p *Pool) sessionClosed(s *Session) {
	p.mu.Lock()
	var acts actions
	proc := s.process
	proc.sessionClosed(s)
	proc.group.onSessionClosed(proc, &acts)
	if proc.sessions == 0 && p.starved() {
		p.assignCapacity(&acts)
	}
	p.mu.Unlock()
	acts.run()
}

/***** Lookup and admin operations *****/

func (p *Pool) findGroupByName(name string) *Group {
	g, _ := lo.Find(lo.Values(p.groups), func(g *Group) bool { return g.name == name })
	return g
}

func (p *Pool) FindGroupByName(name string) *Group {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findGroupByName(name)
}

// findProcess looks a process up by gupid or, for all-digit ids, by pid.
func (p *Pool) findProcess(id string) *Process {
	pid, perr := strconv.Atoi(id)
	for _, g := range p.groups {
		if proc := g.findProcess(func(proc *Process) bool {
			return proc.gupid == id || (perr == nil && proc.pid == pid)
		}); proc != nil {
			return proc
		}
	}
	return nil
}

func groupNotFound(op, name string) error {
	return perrors.New(perrors.ErrCodeGroupNotFound, op, "no group named "+name, nil)
}

func processNotFound(op, id string) error {
	return perrors.New(perrors.ErrCodeProcessNotFound, op, "no process "+id, nil)
}

func (p *Pool) RestartGroupByName(name string, method consts.RestartMethod) error {
	p.mu.Lock()
	var acts actions
	g := p.findGroupByName(name)
	if g != nil {
		if method == "" {
			method = p.cfg.RestartMethod
		}
		g.restart(method, &acts)
	}
	p.mu.Unlock()
	acts.run()
	if g == nil {
		return groupNotFound("pool.restart", name)
	}
	return nil
}

// RestartAll restarts every group with the configured method.
func (p *Pool) RestartAll() {
	p.mu.Lock()
	var acts actions
	for _, g := range p.groups {
		g.restart(p.cfg.RestartMethod, &acts)
	}
	p.mu.Unlock()
	acts.run()
}

// DetachGroupByName shuts the group down and forgets it once its processes
// are gone.
func (p *Pool) DetachGroupByName(name string) error {
	p.mu.Lock()
	var acts actions
	g := p.findGroupByName(name)
	if g != nil {
		g.shutdown(nil, &acts)
	}
	p.mu.Unlock()
	acts.run()
	if g == nil {
		return groupNotFound("pool.detach_group", name)
	}
	return nil
}

// DetachProcess detaches the process with the given gupid or pid.
func (p *Pool) DetachProcess(id string) error {
	p.mu.Lock()
	var acts actions
	proc := p.findProcess(id)
	if proc != nil {
		proc.group.detach(proc, "admin", &acts)
	}
	p.mu.Unlock()
	acts.run()
	if proc == nil {
		return processNotFound("pool.detach_process", id)
	}
	return nil
}

// DisableProcess disables a process and waits for it to drain when the
// disable was deferred.
func (p *Pool) DisableProcess(ctx context.Context, id string) (consts.DisableResult, error) {
	done := make(chan consts.DisableResult, 1)
	p.mu.Lock()
	var acts actions
	proc := p.findProcess(id)
	var result consts.DisableResult
	if proc != nil {
		result = proc.group.disable(proc, func(_ *Process, r consts.DisableResult) { done <- r }, &acts)
	}
	p.mu.Unlock()
	acts.run()

	if proc == nil {
		return consts.DisableError, processNotFound("pool.disable_process", id)
	}
	if result != consts.DisableDeferred {
		return result, nil
	}
	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return consts.DisableDeferred, ctx.Err()
	}
}

func (p *Pool) EnableProcess(id string) error {
	p.mu.Lock()
	var acts actions
	proc := p.findProcess(id)
	if proc != nil {
		proc.group.enable(proc, &acts)
	}
	p.mu.Unlock()
	acts.run()
	if proc == nil {
		return processNotFound("pool.enable_process", id)
	}
	return nil
}

// RequestOOBW flags a process for out-of-band work and starts it right away
// when the process is idle.
func (p *Pool) RequestOOBW(id string) error {
	p.mu.Lock()
	var acts actions
	proc := p.findProcess(id)
	if proc != nil && proc.requestOOBW() && proc.enabled == consts.Enabled && proc.sessions == 0 {
		proc.group.startOOBW(proc, &acts)
	}
	p.mu.Unlock()
	acts.run()
	if proc == nil {
		return processNotFound("pool.request_oobw", id)
	}
	return nil
}

// Authorize maps an API key to what it may do on groupName. An empty
// groupName asks about pool-wide access.
func (p *Pool) Authorize(key, groupName string) AuthLevel {
	if key == "" {
		return AuthNone
	}
	if p.cfg.SuperKey != "" && secureEqual(key, p.cfg.SuperKey) {
		return AuthFull
	}
	if groupName != "" {
		p.mu.Lock()
		g := p.findGroupByName(groupName)
		ok := g != nil && secureEqual(key, g.apiKey)
		p.mu.Unlock()
		if ok {
			return AuthGroup
		}
	}
	if p.cfg.ReadOnlyKey != "" && secureEqual(key, p.cfg.ReadOnlyKey) {
		return AuthReadOnly
	}
	return AuthNone
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

/***** Background tasks *****/

// StartBackgroundTasks runs analytics collection and garbage collection until
// ctx ends or the pool shuts down.
func (p *Pool) StartBackgroundTasks(ctx context.Context) {
	p.bgOnce.Do(func() {
		if p.cfg.AnalyticsInterval > 0 {
			p.every(ctx, p.cfg.AnalyticsInterval, p.CollectAnalytics)
		}
		if p.cfg.PoolIdleTime > 0 {
			p.every(ctx, gcInterval(p.cfg.PoolIdleTime), func() { p.GarbageCollect(time.Now()) })
		}
	})
}

func gcInterval(idle time.Duration) time.Duration {
	d := idle / 2
	if d < time.Second {
		d = time.Second
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func (p *Pool) every(ctx context.Context, d time.Duration, fn func()) {
	p.bgWG.Add(1)
	go func() {
		defer p.bgWG.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// GarbageCollect detaches processes that have been idle for longer than the
// pool idle time.
func (p *Pool) GarbageCollect(now time.Time) {
	p.mu.Lock()
	var acts actions
	for _, g := range p.sortedGroups() {
		g.evictIdle(now, p.cfg.PoolIdleTime, &acts)
	}
	p.mu.Unlock()
	acts.run()
}

// CollectAnalytics samples every live process and detaches those whose OS
// process disappeared. Sampling runs without the pool lock.
func (p *Pool) CollectAnalytics() {
	p.mu.Lock()
	sampler := p.sampler
	procs := lo.Filter(lo.FlatMap(p.sortedGroups(), func(g *Group, _ int) []*Process { return g.allProcesses() }),
		func(proc *Process, _ int) bool { return proc.IsAlive() && !proc.dummy && proc.pid > 0 })
	pids := lo.Map(procs, func(proc *Process, _ int) int { return proc.pid })
	p.mu.Unlock()

	samples := make(map[int]Metrics, len(pids))
	for _, pid := range pids {
		m, err := sampler(pid)
		if err != nil {
			continue
		}
		samples[pid] = m
	}

	p.mu.Lock()
	var acts actions
	for _, proc := range procs {
		if m, ok := samples[proc.pid]; ok {
			proc.metrics = m
		}
	}
	for _, g := range p.sortedGroups() {
		g.sweepDead(&acts)
	}
	p.updateGauges()
	p.mu.Unlock()
	acts.run()
}

func sampleProcess(pid int) (Metrics, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{SampledAt: time.Now().UnixMicro()}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Metrics{}, err
	}
	m.RSS, m.VMS, m.Swap = mem.RSS, mem.VMS, mem.Swap
	if cpu, err := proc.CPUPercent(); err == nil {
		m.CPUPercent = cpu
	}
	if cmd, err := proc.Cmdline(); err == nil {
		m.Command = cmd
	}
	return m, nil
}

func (p *Pool) updateGauges() {
	monitor.PoolGroups.Set(float64(len(p.groups)))
	monitor.PoolCapacityUsed.Set(float64(p.capacityUsed()))
	counts := map[consts.EnabledStatus]int{}
	waitlist := 0
	for _, g := range p.groups {
		counts[consts.Enabled] += len(g.enabled)
		counts[consts.Disabling] += len(g.disabling)
		counts[consts.Disabled] += len(g.disabled)
		counts[consts.Detached] += len(g.detached)
		waitlist += len(g.getWaitlist)
	}
	waitlist += len(p.getWaitlist)
	for _, st := range []consts.EnabledStatus{consts.Enabled, consts.Disabling, consts.Disabled, consts.Detached} {
		monitor.PoolProcesses.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
	monitor.PoolWaitlist.Set(float64(waitlist))
}

/***** Snapshot *****/

// Snapshot is the JSON form of the whole pool.
type Snapshot struct {
	Max          int             `json:"max"`
	CapacityUsed int             `json:"capacity_used"`
	ProcessCount int             `json:"process_count"`
	Waitlist     int             `json:"get_wait_list_size"`
	ShuttingDown bool            `json:"shutting_down,omitempty"`
	Groups       []GroupSnapshot `json:"groups"`
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateGauges()
	groups := p.sortedGroups()
	return Snapshot{
		Max:          p.cfg.MaxPoolSize,
		CapacityUsed: p.capacityUsed(),
		ProcessCount: lo.SumBy(groups, func(g *Group) int { return len(g.allProcesses()) }),
		Waitlist:     len(p.getWaitlist) + lo.SumBy(groups, func(g *Group) int { return len(g.getWaitlist) }),
		ShuttingDown: p.shuttingDown,
		Groups:       lo.Map(groups, func(g *Group, _ int) GroupSnapshot { return g.Snapshot() }),
	}
}

// GroupSnapshot returns the snapshot of one group.
func (p *Pool) GroupSnapshot(name string) (GroupSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.findGroupByName(name)
	if g == nil {
		return GroupSnapshot{}, groupNotFound("pool.group_snapshot", name)
	}
	return g.Snapshot(), nil
}

/***** Shutdown *****/

// Shutdown fails queued gets, detaches every process and waits until all of
// them exited. When ctx ends first the remaining processes are killed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shuttingDown = true
	var (
		acts actions
		wg   sync.WaitGroup
	)
	shutdownErr := perrors.New(perrors.ErrCodePoolShuttingDown, "pool.shutdown", "pool is shutting down", nil)
	for _, w := range p.getWaitlist {
		cb := w.cb
		acts.add(func() { cb(nil, shutdownErr) })
	}
	p.getWaitlist = nil
	groups := p.sortedGroups()
	wg.Add(len(groups))
	for _, g := range groups {
		g.shutdown(wg.Done, &acts)
	}
	p.mu.Unlock()
	acts.run()
	// Spawns in flight abort and count as failed.
	p.cancel()
	p.log.Info("Pool shutting down", "groups", len(groups))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("Shutdown timed out, killing remaining processes")
		p.mu.Lock()
		for _, g := range groups {
			for _, proc := range g.detached {
				err = multierr.Append(err, proc.kill())
			}
		}
		p.mu.Unlock()
		err = multierr.Append(err, ctx.Err())
	}
	p.bgWG.Wait()
	return err
}

// Personal.AI order the ending
