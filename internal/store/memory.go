package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"smartplan/internal/models"
)

// Memory is an in-process Store used by tests and the CLI dry runs.
type Memory struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data memoryData
}

type memoryData struct {
	structures map[string]models.Structure
	devices    map[string]models.Device
	states     map[string]models.DeviceState
	commands   map[string]models.Command
	rules      map[string]models.Rule
	schedules  map[string]models.Schedule
	prices     map[string]models.DayPrice
	sessions   map[string]models.MobileSession
	logs       []models.AutomationLog
}

func newMemoryData() memoryData {
	return memoryData{
		structures: map[string]models.Structure{},
		devices:    map[string]models.Device{},
		states:     map[string]models.DeviceState{},
		commands:   map[string]models.Command{},
		rules:      map[string]models.Rule{},
		schedules:  map[string]models.Schedule{},
		prices:     map[string]models.DayPrice{},
		sessions:   map[string]models.MobileSession{},
	}
}

func (d memoryData) clone() memoryData {
	c := newMemoryData()
	for k, v := range d.structures {
		c.structures[k] = v
	}
	for k, v := range d.devices {
		c.devices[k] = v
	}
	for k, v := range d.states {
		c.states[k] = v
	}
	for k, v := range d.commands {
		c.commands[k] = v
	}
	for k, v := range d.rules {
		c.rules[k] = v
	}
	for k, v := range d.schedules {
		c.schedules[k] = v
	}
	for k, v := range d.prices {
		c.prices[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	c.logs = append(c.logs, d.logs...)
	return c
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: newMemoryData()}
}

// WithTx serializes transactions. fn runs against a private copy; on success only the
// entries it changed are merged back, so writes made outside the transaction while it
// ran survive both commit and rollback.
func (m *Memory) WithTx(ctx context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	base := m.data.clone()
	m.mu.RUnlock()

	tx := &Memory{data: base.clone()}
	if err := fn(tx); err != nil {
		return err
	}

	tx.mu.RLock()
	defer tx.mu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	merge(m.data.structures, base.structures, tx.data.structures)
	merge(m.data.devices, base.devices, tx.data.devices)
	merge(m.data.states, base.states, tx.data.states)
	merge(m.data.commands, base.commands, tx.data.commands)
	merge(m.data.rules, base.rules, tx.data.rules)
	merge(m.data.schedules, base.schedules, tx.data.schedules)
	merge(m.data.prices, base.prices, tx.data.prices)
	merge(m.data.sessions, base.sessions, tx.data.sessions)
	m.data.logs = append(m.data.logs, tx.data.logs[len(base.logs):]...)
	return nil
}

// merge applies to live the entries that differ between base and tx.
func merge[V any](live, base, tx map[string]V) {
	for k, v := range tx {
		if old, ok := base[k]; !ok || !reflect.DeepEqual(old, v) {
			live[k] = v
		}
	}
	for k := range base {
		if _, ok := tx[k]; !ok {
			delete(live, k)
		}
	}
}

func (m *Memory) GetStructureByExternalID(ctx context.Context, userID, externalID string) (*models.Structure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.data.structures {
		if s.UserID == userID && s.ExternalID == externalID {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: structure %s", models.ErrNotFound, externalID)
}

func (m *Memory) CreateStructure(ctx context.Context, s *models.Structure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.data.structures[s.ID] = *s
	return nil
}

func (m *Memory) UpdateStructure(ctx context.Context, s *models.Structure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.structures[s.ID]; !ok {
		return fmt.Errorf("%w: structure %s", models.ErrNotFound, s.ID)
	}
	m.data.structures[s.ID] = *s
	return nil
}

// StructureCount returns the number of stored structures.
func (m *Memory) StructureCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data.structures)
}

func (m *Memory) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: device %s", models.ErrNotFound, id)
	}
	return &d, nil
}

func (m *Memory) GetDeviceByExternalID(ctx context.Context, userID, externalID string) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.data.devices {
		if d.UserID == userID && d.ExternalID == externalID {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("%w: device %s", models.ErrNotFound, externalID)
}

func (m *Memory) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Device{}
	for _, d := range m.data.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name || (out[i].Name == out[j].Name && out[i].ID < out[j].ID)
	})
	return out, nil
}

func (m *Memory) CreateDevice(ctx context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	m.data.devices[d.ID] = *d
	return nil
}

func (m *Memory) UpdateDevice(ctx context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.devices[d.ID]; !ok {
		return fmt.Errorf("%w: device %s", models.ErrNotFound, d.ID)
	}
	m.data.devices[d.ID] = *d
	return nil
}

// DeviceCount returns the number of stored devices.
func (m *Memory) DeviceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data.devices)
}

func (m *Memory) GetDeviceState(ctx context.Context, deviceID string) (*models.DeviceState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data.states[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: state of device %s", models.ErrNotFound, deviceID)
	}
	return &s, nil
}

func (m *Memory) UpsertDeviceState(ctx context.Context, s models.DeviceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.states[s.DeviceID] = s
	return nil
}

func (m *Memory) CreateCommand(ctx context.Context, c *models.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.data.commands[c.ID] = *c
	return nil
}

func (m *Memory) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.data.commands[id]
	if !ok {
		return nil, fmt.Errorf("%w: command %s", models.ErrNotFound, id)
	}
	return &c, nil
}

func (m *Memory) UpdateCommand(ctx context.Context, c *models.Command, fromStatus models.CommandStatus, fromRetries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data.commands[c.ID]
	if !ok {
		return fmt.Errorf("%w: command %s", models.ErrNotFound, c.ID)
	}
	if cur.Status != fromStatus || cur.RetryCount != fromRetries {
		return fmt.Errorf("%w: command %s changed concurrently", models.ErrInvalidTransition, c.ID)
	}
	m.data.commands[c.ID] = *c
	return nil
}

func sortCommands(cmds []models.Command) {
	sort.Slice(cmds, func(i, j int) bool {
		if !cmds[i].CreatedAt.Equal(cmds[j].CreatedAt) {
			return cmds[i].CreatedAt.Before(cmds[j].CreatedAt)
		}
		return cmds[i].ID < cmds[j].ID
	})
}

func (m *Memory) ListQueuedCommands(ctx context.Context, userID string, since time.Time, limit int) ([]models.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Command{}
	for _, c := range m.data.commands {
		if c.UserID == userID && c.Status == models.CommandQueued && !c.UpdatedAt.Before(since) {
			out = append(out, c)
		}
	}
	sortCommands(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListStaleCommands(ctx context.Context, before time.Time) ([]models.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Command{}
	for _, c := range m.data.commands {
		if c.Status == models.CommandQueued && c.UpdatedAt.Before(before) {
			out = append(out, c)
		}
	}
	sortCommands(out)
	return out, nil
}

func (m *Memory) ListDeviceCommands(ctx context.Context, deviceID string, limit int) ([]models.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Command{}
	for _, c := range m.data.commands {
		if c.DeviceID == deviceID {
			out = append(out, c)
		}
	}
	sortCommands(out)
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateRule(ctx context.Context, r *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.data.rules[r.ID] = *r
	return nil
}

func (m *Memory) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.data.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: rule %s", models.ErrNotFound, id)
	}
	return &r, nil
}

func (m *Memory) UpdateRule(ctx context.Context, r *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.rules[r.ID]; !ok {
		return fmt.Errorf("%w: rule %s", models.ErrNotFound, r.ID)
	}
	m.data.rules[r.ID] = *r
	return nil
}

func (m *Memory) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.rules[id]; !ok {
		return fmt.Errorf("%w: rule %s", models.ErrNotFound, id)
	}
	delete(m.data.rules, id)
	for sid, s := range m.data.schedules {
		if s.RuleID == id {
			delete(m.data.schedules, sid)
		}
	}
	return nil
}

func (m *Memory) listRules(keep func(models.Rule) bool) []models.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Rule{}
	for _, r := range m.data.rules {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) ListRules(ctx context.Context, userID string) ([]models.Rule, error) {
	return m.listRules(func(r models.Rule) bool { return r.UserID == userID }), nil
}

func (m *Memory) ListDeviceRules(ctx context.Context, deviceID string) ([]models.Rule, error) {
	return m.listRules(func(r models.Rule) bool { return r.DeviceID == deviceID }), nil
}

func (m *Memory) ListEnabledRules(ctx context.Context) ([]models.Rule, error) {
	return m.listRules(func(r models.Rule) bool { return r.Enabled }), nil
}

func (m *Memory) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: schedule %s", models.ErrNotFound, id)
	}
	return &s, nil
}

func (m *Memory) FindSchedule(ctx context.Context, deviceID, ruleID, date string) (*models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.data.schedules {
		if s.DeviceID == deviceID && s.RuleID == ruleID && s.Date == date {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: schedule for rule %s on %s", models.ErrNotFound, ruleID, date)
}

func (m *Memory) CreateSchedule(ctx context.Context, s *models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.data.schedules[s.ID] = *s
	return nil
}

func (m *Memory) UpdateSchedule(ctx context.Context, s *models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.schedules[s.ID]; !ok {
		return fmt.Errorf("%w: schedule %s", models.ErrNotFound, s.ID)
	}
	m.data.schedules[s.ID] = *s
	return nil
}

func (m *Memory) listSchedules(keep func(models.Schedule) bool) []models.Schedule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Schedule{}
	for _, s := range m.data.schedules {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) ListSchedules(ctx context.Context, userID, date string) ([]models.Schedule, error) {
	return m.listSchedules(func(s models.Schedule) bool { return s.UserID == userID && s.Date == date }), nil
}

func (m *Memory) ListDeviceSchedules(ctx context.Context, deviceID, date string) ([]models.Schedule, error) {
	return m.listSchedules(func(s models.Schedule) bool { return s.DeviceID == deviceID && s.Date == date }), nil
}

func (m *Memory) CompleteSchedulesBefore(ctx context.Context, date string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.data.schedules {
		if s.Date < date && (s.Status == models.SchedulePending || s.Status == models.ScheduleActive) {
			s.Status = models.ScheduleCompleted
			s.UpdatedAt = now
			m.data.schedules[id] = s
			n++
		}
	}
	return n, nil
}

func priceKey(date, timezone string) string { return date + "|" + timezone }

func (m *Memory) GetDayPrice(ctx context.Context, date, timezone string) (*models.DayPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.data.prices[priceKey(date, timezone)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", models.ErrPricesNotFound, date, timezone)
	}
	return &p, nil
}

func (m *Memory) UpsertDayPrice(ctx context.Context, p *models.DayPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := priceKey(p.Date, p.Timezone)
	if cur, ok := m.data.prices[key]; ok {
		p.ID, p.CreatedAt = cur.ID, cur.CreatedAt
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	m.data.prices[key] = *p
	return nil
}

func (m *Memory) UpsertMobileSession(ctx context.Context, s *models.MobileSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := s.UserID + "|" + s.DeviceToken
	if cur, ok := m.data.sessions[key]; ok {
		s.ID, s.CreatedAt = cur.ID, cur.CreatedAt
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.data.sessions[key] = *s
	return nil
}

func (m *Memory) InsertAutomationLog(ctx context.Context, l *models.AutomationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	m.data.logs = append(m.data.logs, *l)
	return nil
}

// AutomationLogs returns a copy of the recorded automation log entries.
func (m *Memory) AutomationLogs() []models.AutomationLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AutomationLog(nil), m.data.logs...)
}

var _ Store = (*Memory)(nil)
