// Package dialer schedules outbound originations under per-line and
// global rate limits and shares line capacity with inbound traffic.
//
// The dialer owns the contact queue and the per-line statistics. The
// session manager asks it for inbound slots, the flow engine borrows
// lines for operator calls, and the panel feeds it contacts and runtime
// settings through the periodic next-batch poll.
package dialer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sedaflow/sedaflow/internal/config"
	"github.com/sedaflow/sedaflow/internal/flow"
	"github.com/sedaflow/sedaflow/internal/observe"
	"github.com/sedaflow/sedaflow/internal/scenario"
	"github.com/sedaflow/sedaflow/internal/session"
	"github.com/sedaflow/sedaflow/pkg/ari"
	"github.com/sedaflow/sedaflow/pkg/panel"
	"github.com/sedaflow/sedaflow/pkg/provider/sms"
)

// Contact is one number waiting to be dialed.
type Contact struct {
	PhoneNumber string
	NumberID    int64
	BatchID     string
}

// Sessions is the slice of the session manager the dialer needs.
type Sessions interface {
	Create(id string) *session.Session
	Get(id string) (*session.Session, bool)
	Cleanup(ctx context.Context, id string)
}

// AgentSink receives operator rosters from panel polls.
type AgentSink interface {
	SetInboundAgents(agents []flow.Agent)
	SetOutboundAgents(agents []flow.Agent)
}

// Panel is the slice of the panel client the dialer polls.
type Panel interface {
	NextBatch(ctx context.Context, size int) panel.BatchResponse
	ReportResult(ctx context.Context, r panel.Report) error
}

// Config carries the dialer's slice of the runtime configuration.
type Config struct {
	AppName string
	Trunk   string
	Lines   []string

	// CallerID is presented on outbound customer calls; the line number
	// is used when empty.
	CallerID string

	OriginationTimeout time.Duration

	// MaxConcurrentCalls caps inbound+outbound sessions per line.
	MaxConcurrentCalls int

	// MaxOutbound and MaxInbound cap concurrent sessions globally per
	// direction. Zero disables the cap.
	MaxOutbound int
	MaxInbound  int

	PerMinute int
	PerDay    int
	PerSecond float64

	WindowStart config.Clock
	WindowEnd   config.Clock

	StaticContacts []string
	BatchSize      int
	DefaultRetry   time.Duration

	FailAlertThreshold int
	SMSAdmins          []string
	UsePanelAgents     bool
}

// lineStats is one trunk number's live accounting.
type lineStats struct {
	outbound       int
	inbound        int
	attempts       []time.Time // rolling one-minute window
	daily          int
	waitingInbound int
}

func (st *lineStats) total() int { return st.outbound + st.inbound }

// rolling counts attempts inside the last minute, pruning older ones.
func (st *lineStats) rolling(now time.Time) int {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(st.attempts) && st.attempts[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		st.attempts = st.attempts[i:]
	}
	return len(st.attempts)
}

// Dialer runs the origination loop. All mutable state sits behind one
// mutex that is never held across I/O.
type Dialer struct {
	ctrl     ari.Control
	sessions Sessions
	panel    Panel
	registry *scenario.Registry
	agents   AgentSink
	sms      sms.Sender
	metrics  *observe.Metrics
	cfg      Config

	limiter *rate.Limiter

	mu                 sync.Mutex
	queue              []Contact
	lines              []string
	stats              map[string]*lineStats
	sessionLine        map[string]string
	inboundSessionLine map[string]string
	paused             bool
	pausedReason       string
	failureStreak      int
	operatorPriority   int
	dayKey             string
	nextPoll           time.Time
}

// Deps bundles the dialer's collaborators. Panel, AgentSink and SMS may
// be nil.
type Deps struct {
	Control  ari.Control
	Sessions Sessions
	Panel    Panel
	Registry *scenario.Registry
	Agents   AgentSink
	SMS      sms.Sender
	Metrics  *observe.Metrics
	Config   Config
}

// New creates a dialer with the static contact list pre-queued.
func New(d Deps) *Dialer {
	perSecond := d.Config.PerSecond
	if perSecond <= 0 {
		perSecond = 3
	}
	dl := &Dialer{
		ctrl:               d.Control,
		sessions:           d.Sessions,
		panel:              d.Panel,
		registry:           d.Registry,
		agents:             d.Agents,
		sms:                d.SMS,
		metrics:            d.Metrics,
		cfg:                d.Config,
		limiter:            rate.NewLimiter(rate.Limit(perSecond), 1),
		stats:              make(map[string]*lineStats),
		sessionLine:        make(map[string]string),
		inboundSessionLine: make(map[string]string),
	}
	dl.lines = append(dl.lines, d.Config.Lines...)
	for _, line := range dl.lines {
		dl.stats[line] = &lineStats{}
	}
	for _, number := range d.Config.StaticContacts {
		if number = strings.TrimSpace(number); number != "" {
			dl.queue = append(dl.queue, Contact{PhoneNumber: number})
		}
	}
	return dl
}

// Enqueue appends contacts to the dial queue.
func (d *Dialer) Enqueue(contacts ...Contact) {
	d.mu.Lock()
	d.queue = append(d.queue, contacts...)
	d.mu.Unlock()
}

// QueueLen returns the number of contacts waiting.
func (d *Dialer) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Paused reports whether dialing is paused and why.
func (d *Dialer) Paused() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused, d.pausedReason
}

// statsFor returns the stats record for a line, minting one for lines
// learned at runtime. Caller holds d.mu.
func (d *Dialer) statsFor(line string) *lineStats {
	st, ok := d.stats[line]
	if !ok {
		st = &lineStats{}
		d.stats[line] = st
	}
	return st
}

// pickLine selects the least-loaded usable line. Caller holds d.mu.
func (d *Dialer) pickLine(now time.Time) (string, bool) {
	if d.cfg.MaxOutbound > 0 && len(d.sessionLine) >= d.cfg.MaxOutbound {
		return "", false
	}
	type cand struct {
		line                   string
		active, rolling, daily int
	}
	var usable []cand
	for _, line := range d.lines {
		st := d.statsFor(line)
		if st.waitingInbound > 0 {
			continue
		}
		if d.cfg.MaxConcurrentCalls > 0 && st.total() >= d.cfg.MaxConcurrentCalls {
			continue
		}
		rolling := st.rolling(now)
		if d.cfg.PerMinute > 0 && rolling >= d.cfg.PerMinute {
			continue
		}
		if d.cfg.PerDay > 0 && st.daily >= d.cfg.PerDay {
			continue
		}
		usable = append(usable, cand{line: line, active: st.total(), rolling: rolling, daily: st.daily})
	}
	if len(usable) == 0 {
		return "", false
	}
	sort.SliceStable(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		if a.active != b.active {
			return a.active < b.active
		}
		if a.rolling != b.rolling {
			return a.rolling < b.rolling
		}
		return a.daily < b.daily
	})
	return usable[0].line, true
}

// availableCapacity sizes the next panel batch: the sum of what every
// line could still take, bounded by the global outbound cap and the
// batch size. Caller holds d.mu.
func (d *Dialer) availableCapacity(now time.Time) int {
	total := 0
	for _, line := range d.lines {
		st := d.statsFor(line)
		room := d.cfg.MaxConcurrentCalls - st.total()
		if d.cfg.PerMinute > 0 {
			if m := d.cfg.PerMinute - st.rolling(now); m < room {
				room = m
			}
		}
		if d.cfg.PerDay > 0 {
			if m := d.cfg.PerDay - st.daily; m < room {
				room = m
			}
		}
		if room > 0 {
			total += room
		}
	}
	if d.cfg.MaxOutbound > 0 {
		if m := d.cfg.MaxOutbound - len(d.sessionLine); m < total {
			total = m
		}
	}
	if d.cfg.BatchSize > 0 && total > d.cfg.BatchSize {
		total = d.cfg.BatchSize
	}
	if total < 0 {
		total = 0
	}
	return total
}

// endpoint builds the PJSIP dial string for a contact on a line: the
// line's last four digits prefix the callee so the PBX can pick the
// right identity.
func endpoint(line, number, trunk string) string {
	digits := session.NormalizeNumber(number)
	suffix := line
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return "PJSIP/" + suffix + digits + "@" + trunk
}

// inWindow reports whether now falls inside the configured call window.
func (d *Dialer) inWindow(now time.Time) bool {
	start := d.cfg.WindowStart.Minutes()
	end := d.cfg.WindowEnd.Minutes()
	if start == 0 && end == 0 {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur <= end
	}
	// Window wrapping midnight.
	return cur >= start || cur <= end
}
