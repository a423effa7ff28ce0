// Package optimizer turns a day's hourly prices and a rule into the cheapest ON schedule.
//
// Selection is exact: a dynamic program over (hour, hours still needed, runs used,
// current run length) finds the minimum cost for every feasible hour count under the
// minimum run length and switch cap, and a forward pass reconstructs the selection
// preferring ON at the earliest (or latest) hours among equal-cost optima. Prices are
// compared as integer micro-units so ties are exact and results reproducible.
package optimizer

import (
	"fmt"
	"math"
	"time"

	"smartplan/internal/models"
	"smartplan/internal/prices"
)

// TieBreak picks among equally cheap selections.
type TieBreak int

const (
	// TieBreakEarliest prefers running at the earliest hours. With no run constraints
	// this is a stable sort on (price, hour).
	TieBreakEarliest TieBreak = iota
	// TieBreakLatest prefers running at the latest hours.
	TieBreakLatest
)

// ParseTieBreak maps the configured name ("earliest" or "latest") to a TieBreak.
func ParseTieBreak(s string) (TieBreak, error) {
	switch s {
	case "", "earliest":
		return TieBreakEarliest, nil
	case "latest":
		return TieBreakLatest, nil
	}
	return TieBreakEarliest, fmt.Errorf("unknown tie break %q", s)
}

// Options tune a computation. The zero value is valid for 24-hour tables.
type Options struct {
	// Day labels hours with local wall clock; required for 23 and 25 hour tables.
	Day      *Day
	TieBreak TieBreak
}

// Day is a local calendar day that hour indices are resolved against.
type Day struct {
	midnight time.Time
	hours    int
}

// NewDay resolves date ("2006-01-02") in loc.
func NewDay(date string, loc *time.Location) (*Day, error) {
	midnight, err := prices.Midnight(date, loc)
	if err != nil {
		return nil, err
	}
	hours, err := prices.ExpectedHours(date, loc)
	if err != nil {
		return nil, err
	}
	return &Day{midnight: midnight, hours: hours}, nil
}

// Hours is the number of hours in the day.
func (d *Day) Hours() int { return d.hours }

// Start is the instant hour index i begins.
func (d *Day) Start(i int) time.Time {
	return d.midnight.Add(time.Duration(i) * time.Hour)
}

// clock is the local wall clock of hour index i in minutes; the end of the day is 24:00.
func (d *Day) clock(i int) int {
	if i >= d.hours {
		return 24 * 60
	}
	t := d.Start(i).In(d.midnight.Location())
	return t.Hour()*60 + t.Minute()
}

// repeated reports whether the wall clock of hour index i occurs twice in the day,
// which happens around the hour the clocks go back.
func (d *Day) repeated(i int) bool {
	if i < 0 || i >= d.hours {
		return false
	}
	c := d.clock(i)
	return (i > 0 && d.clock(i-1) == c) || (i+1 < d.hours && d.clock(i+1) == c)
}

// Run is a maximal block of consecutive ON hours, [Start, End) in hour indices.
type Run struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Result is a computed day schedule.
type Result struct {
	Hours             []int             `json:"hours"`
	Runs              []Run             `json:"runs"`
	Slots             []models.TimeSlot `json:"slots"`
	TotalCost         float64           `json:"total_cost"`
	TotalHours        int               `json:"total_hours"`
	Shortfall         int               `json:"shortfall_hours"`
	SavingsPercentage *float64          `json:"savings_percentage,omitempty"`
}

// problem is a validated, normalized input.
type problem struct {
	micro   []int64
	allowed []bool
	target  int
	minRun  int
	maxRuns int
	// clamp allows fewer hours than target when the target is infeasible.
	clamp bool
}

// Compute selects the hours to run for one day.
func Compute(dayPrices []float64, params models.RuleParams, opts Options) (Result, error) {
	p, err := newProblem(dayPrices, params, opts)
	if err != nil {
		return Result{}, err
	}

	s := solve(p)
	hours, ok := s.choose(p)
	if !ok {
		// Unreachable after validation: a single run of max(target, minRun) always fits.
		return Result{}, fmt.Errorf("%w: no feasible schedule", models.ErrInvalidRuleParameters)
	}
	selected := s.reconstruct(p, hours, opts.TieBreak)
	return buildResult(dayPrices, p, selected, opts), nil
}

func newProblem(dayPrices []float64, params models.RuleParams, opts Options) (problem, error) {
	if err := prices.Validate(dayPrices); err != nil {
		return problem{}, fmt.Errorf("%w: %w", models.ErrInvalidRuleParameters, err)
	}
	if params == nil {
		return problem{}, fmt.Errorf("%w: params are required", models.ErrInvalidRuleParameters)
	}
	if err := params.Validate(); err != nil {
		return problem{}, err
	}

	n := len(dayPrices)
	if opts.Day != nil && opts.Day.Hours() != n {
		return problem{}, fmt.Errorf("%w: day has %d hours, got %d prices", models.ErrInvalidRuleParameters, opts.Day.Hours(), n)
	}
	if opts.Day == nil && n != 24 {
		return problem{}, fmt.Errorf("%w: a %d hour table needs its calendar day", models.ErrInvalidRuleParameters, n)
	}

	p := problem{micro: make([]int64, n), allowed: make([]bool, n)}
	for i, v := range dayPrices {
		p.micro[i] = int64(math.Round(v * 1e6))
	}

	var maxSwitches, minRun *int
	switch v := params.(type) {
	case models.MinHoursCheapestParams:
		p.target = v.MinHoursPerDay
		maxSwitches, minRun = v.MaxSwitchesPerDay, v.MinRunBlock
		for i := range p.allowed {
			p.allowed[i] = true
		}
	case models.XHoursWithinWindowsParams:
		p.target = v.TargetHoursPerDay
		p.clamp = true
		maxSwitches, minRun = v.MaxSwitchesPerDay, v.MinRunBlock
		ranges, err := models.WindowMinutes(v.AllowedWindows)
		if err != nil {
			return problem{}, err
		}
		for i := range p.allowed {
			start := i * 60
			if opts.Day != nil {
				start = opts.Day.clock(i)
			}
			for _, r := range ranges {
				if r.Start <= start && start+60 <= r.End {
					p.allowed[i] = true
					break
				}
			}
		}
	default:
		return problem{}, fmt.Errorf("%w: unsupported rule type %T", models.ErrInvalidRuleParameters, params)
	}

	if p.target > n {
		return problem{}, fmt.Errorf("%w: %d hours requested but the day has %d", models.ErrInvalidRuleParameters, p.target, n)
	}
	p.minRun = 1
	if minRun != nil {
		if *minRun > n {
			return problem{}, fmt.Errorf("%w: min_run_block %d exceeds the day's %d hours", models.ErrInvalidRuleParameters, *minRun, n)
		}
		p.minRun = *minRun
	}
	// Separate runs need an OFF hour between them.
	p.maxRuns = (n + 1) / 2
	if maxSwitches != nil && *maxSwitches/2 < p.maxRuns {
		p.maxRuns = *maxSwitches / 2
	}
	return p, nil
}

const infinite = math.MaxInt64

// solution holds cost[i][need][runs][run] : the cheapest way to finish the day from hour
// i, selecting exactly need more hours, with runs ON runs already started and the
// current run state (0 = OFF, 1..minRun-1 = too short to stop, minRun = may stop).
type solution struct {
	n, needs, runs, states int
	cost                   []int64
}

func (s *solution) idx(i, need, runs, state int) int {
	return ((i*s.needs+need)*s.runs+runs)*s.states + state
}

func (s *solution) at(i, need, runs, state int) int64 {
	return s.cost[s.idx(i, need, runs, state)]
}

func solve(p problem) *solution {
	n := len(p.micro)
	s := &solution{n: n, needs: n + 1, runs: p.maxRuns + 1, states: p.minRun + 1}
	s.cost = make([]int64, (n+1)*s.needs*s.runs*s.states)

	for need := 0; need <= n; need++ {
		for r := 0; r < s.runs; r++ {
			for st := 0; st < s.states; st++ {
				c := int64(infinite)
				if need == 0 && (st == 0 || st == p.minRun) {
					c = 0
				}
				s.cost[s.idx(n, need, r, st)] = c
			}
		}
	}

	for i := n - 1; i >= 0; i-- {
		for need := 0; need <= n; need++ {
			for r := 0; r < s.runs; r++ {
				for st := 0; st < s.states; st++ {
					best := int64(infinite)
					if c, ok := s.offCost(p, i, need, r, st); ok && c < best {
						best = c
					}
					if c, ok := s.onCost(p, i, need, r, st); ok && c < best {
						best = c
					}
					s.cost[s.idx(i, need, r, st)] = best
				}
			}
		}
	}
	return s
}

// offCost is the cost of keeping hour i OFF from the given state.
func (s *solution) offCost(p problem, i, need, r, st int) (int64, bool) {
	if st != 0 && st != p.minRun {
		return 0, false
	}
	c := s.at(i+1, need, r, 0)
	return c, c != infinite
}

// onCost is the cost of running hour i from the given state.
func (s *solution) onCost(p problem, i, need, r, st int) (int64, bool) {
	if need == 0 || !p.allowed[i] {
		return 0, false
	}
	nr, next := r, st+1
	if st == 0 {
		nr, next = r+1, 1
	}
	if nr >= s.runs {
		return 0, false
	}
	if next > p.minRun {
		next = p.minRun
	}
	c := s.at(i+1, need-1, nr, next)
	if c == infinite {
		return 0, false
	}
	return c + p.micro[i], true
}

// choose picks the hour count: the fewest feasible hours at or above the target, else
// (when clamping) the most feasible hours below it.
func (s *solution) choose(p problem) (int, bool) {
	for h := p.target; h <= s.n; h++ {
		if s.at(0, h, 0, 0) != infinite {
			return h, true
		}
	}
	if !p.clamp {
		return 0, false
	}
	for h := p.target - 1; h > 0; h-- {
		if s.at(0, h, 0, 0) != infinite {
			return h, true
		}
	}
	return 0, true
}

func (s *solution) reconstruct(p problem, hours int, tb TieBreak) []bool {
	selected := make([]bool, s.n)
	need, r, st := hours, 0, 0
	for i := 0; i < s.n; i++ {
		want := s.at(i, need, r, st)
		onC, onOK := s.onCost(p, i, need, r, st)
		onOK = onOK && onC == want
		offC, offOK := s.offCost(p, i, need, r, st)
		offOK = offOK && offC == want

		on := onOK && (tb == TieBreakEarliest || !offOK)
		if on {
			selected[i] = true
			need--
			if st == 0 {
				r, st = r+1, 1
			} else {
				st++
			}
			if st > p.minRun {
				st = p.minRun
			}
			continue
		}
		st = 0
	}
	return selected
}

func buildResult(dayPrices []float64, p problem, selected []bool, opts Options) Result {
	res := Result{Hours: []int{}, Runs: []Run{}, Slots: []models.TimeSlot{}}

	var sum int64
	for i, on := range selected {
		if !on {
			continue
		}
		res.Hours = append(res.Hours, i)
		sum += p.micro[i]
		if n := len(res.Runs); n > 0 && res.Runs[n-1].End == i {
			res.Runs[n-1].End = i + 1
		} else {
			res.Runs = append(res.Runs, Run{Start: i, End: i + 1})
		}
	}
	for _, run := range res.Runs {
		res.Slots = append(res.Slots, models.TimeSlot{
			Start:  Label(opts.Day, run.Start),
			End:    Label(opts.Day, run.End),
			Action: models.ActionOn,
		})
	}

	res.TotalHours = len(res.Hours)
	res.TotalCost = float64(sum) / 1e6
	if res.TotalHours < p.target {
		res.Shortfall = p.target - res.TotalHours
	}

	var total int64
	for _, m := range p.micro {
		total += m
	}
	baseline := float64(total) / float64(len(dayPrices)) / 1e6 * float64(res.TotalHours)
	if res.TotalHours > 0 && baseline > 0 {
		pct := math.Round((baseline-res.TotalCost)/baseline*10000) / 100
		res.SavingsPercentage = &pct
	}
	return res
}

// Label is the "HH:MM" wall clock at which hour index i starts; the end of the day is "24:00".
// A wall clock that occurs twice in the day carries its UTC offset, e.g. "03:00+03:00".
func Label(day *Day, i int) string {
	if day == nil {
		return models.FormatClock(i * 60)
	}
	if day.repeated(i) {
		return day.Start(i).In(day.midnight.Location()).Format("15:04-07:00")
	}
	return models.FormatClock(day.clock(i))
}
