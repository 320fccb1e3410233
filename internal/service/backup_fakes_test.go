package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/itam-admin-api/internal/models"
	appErrors "github.com/noah-isme/itam-admin-api/pkg/errors"
	"github.com/noah-isme/itam-admin-api/pkg/jobs"
	"github.com/noah-isme/itam-admin-api/pkg/mailer"
)

// memoryTables is an in-memory TableStore that records every write.
type memoryTables struct {
	mu        sync.Mutex
	data      map[models.BackupTable]map[string]models.Row
	readErr   map[models.BackupTable]error
	upsertErr map[models.BackupTable]error
	deleteErr map[models.BackupTable]error
	writes    []models.RestoreStep
}

func newMemoryTables() *memoryTables {
	return &memoryTables{
		data:      make(map[models.BackupTable]map[string]models.Row),
		readErr:   make(map[models.BackupTable]error),
		upsertErr: make(map[models.BackupTable]error),
		deleteErr: make(map[models.BackupTable]error),
	}
}

func (m *memoryTables) seed(table models.BackupTable, rows ...models.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[table] == nil {
		m.data[table] = make(map[string]models.Row)
	}
	for _, row := range rows {
		m.data[table][row.ID()] = row
	}
}

func (m *memoryTables) ReadAll(ctx context.Context, table models.BackupTable) ([]models.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readErr[table]; err != nil {
		return nil, err
	}
	return m.sorted(table), nil
}

func (m *memoryTables) Upsert(ctx context.Context, table models.BackupTable, rows []models.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.upsertErr[table]; err != nil {
		return err
	}
	m.writes = append(m.writes, models.RestoreStep{Phase: models.RestorePhaseUpsert, Table: table, Rows: len(rows)})
	if m.data[table] == nil {
		m.data[table] = make(map[string]models.Row)
	}
	for _, row := range rows {
		m.data[table][row.ID()] = row
	}
	return nil
}

func (m *memoryTables) DeleteAll(ctx context.Context, table models.BackupTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.deleteErr[table]; err != nil {
		return err
	}
	m.writes = append(m.writes, models.RestoreStep{Phase: models.RestorePhaseClear, Table: table})
	delete(m.data, table)
	return nil
}

func (m *memoryTables) snapshot() map[models.BackupTable][]models.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.BackupTable][]models.Row, len(m.data))
	for table := range m.data {
		out[table] = m.sorted(table)
	}
	return out
}

func (m *memoryTables) writesTo(table models.BackupTable) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.writes {
		if w.Table == table {
			n++
		}
	}
	return n
}

func (m *memoryTables) sorted(table models.BackupTable) []models.Row {
	rows := make([]models.Row, 0, len(m.data[table]))
	for _, row := range m.data[table] {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID() < rows[j].ID() })
	return rows
}

// memoryCatalog is an in-memory backup catalog repository.
type memoryCatalog struct {
	mu        sync.Mutex
	records   map[string]models.BackupRecord
	createErr error
}

func newMemoryCatalog() *memoryCatalog {
	return &memoryCatalog{records: make(map[string]models.BackupRecord)}
}

func (m *memoryCatalog) Create(ctx context.Context, record *models.BackupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.records[record.ID] = *record
	return nil
}

func (m *memoryCatalog) GetByID(ctx context.Context, id string) (*models.BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &record, nil
}

func (m *memoryCatalog) List(ctx context.Context, filter models.BackupFilter) ([]models.BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.BackupRecord, 0, len(m.records))
	for _, record := range m.records {
		if filter.ScheduleID != "" && (record.ScheduleID == nil || *record.ScheduleID != filter.ScheduleID) {
			continue
		}
		if filter.CreatedBefore != nil && !record.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryCatalog) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.records, id)
	return nil
}

func (m *memoryCatalog) Stats(ctx context.Context) (*models.CatalogStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.CatalogStats{}
	for _, record := range m.records {
		stats.Count++
		stats.TotalBytes += record.SizeBytes
		created := record.CreatedAt
		if stats.LatestAt == nil || created.After(*stats.LatestAt) {
			stats.LatestAt = &created
		}
	}
	return stats, nil
}

// stubLocker emulates the shared lock store.
type stubLocker struct {
	mu         sync.Mutex
	held       map[string]string
	acquireErr error
	released   []string
}

func newStubLocker() *stubLocker {
	return &stubLocker{held: make(map[string]string)}
}

func (l *stubLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquireErr != nil {
		return "", l.acquireErr
	}
	if _, ok := l.held[name]; ok {
		return "", appErrors.ErrLockNotAcquired
	}
	token := "token-" + name
	l.held[name] = token
	return token, nil
}

func (l *stubLocker) Release(ctx context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] == token {
		delete(l.held, name)
	}
	l.released = append(l.released, name)
	return nil
}

// fakeMailer records messages and fails for configured recipients.
type fakeMailer struct {
	mu     sync.Mutex
	sent   []mailer.Message
	failTo map[string]error
}

func (f *fakeMailer) Send(ctx context.Context, msg mailer.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTo[msg.To]; err != nil {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type stubRecipients struct {
	users []models.User
	err   error
	roles []models.UserRole
}

func (s *stubRecipients) ListActiveByRoles(ctx context.Context, roles []models.UserRole) ([]models.User, error) {
	s.roles = roles
	return s.users, s.err
}

// recordingQueue captures enqueued jobs.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
	err  error
}

func (q *recordingQueue) Enqueue(job jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// scenarioDocument is the small document used across restore tests.
func scenarioDocument() *models.BackupDocument {
	doc := &models.BackupDocument{
		Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Version:   models.DefaultBackupSchemaVersion,
		Name:      "Nightly",
	}
	doc.Tables.Set(models.TableDepartments, []models.Row{{"id": "d1", "name": "IT"}})
	doc.Tables.Set(models.TableUsers, []models.Row{{"id": "u1", "department_id": "d1", "email": "ops@example.com"}})
	doc.Tables.Set(models.TableAssets, []models.Row{{"id": "a1", "department_id": "d1", "assigned_to": "u1"}})
	doc.Tables.Set(models.TableIssues, []models.Row{{"id": "i1", "asset_id": "a1"}})
	doc.Tables.Set(models.TableAssetRequests, []models.Row{{"id": "r1", "user_id": "u1"}})
	doc.Tables.Set(models.TableNotifications, []models.Row{{"id": "n1", "user_id": "u1"}})
	doc.Tables.Set(models.TableNotificationPreferences, []models.Row{{"id": "p1", "user_id": "u1"}})
	doc.Tables.Normalize()
	meta, err := ComputeMetadata(&doc.Tables)
	if err != nil {
		panic(err)
	}
	doc.Metadata = meta
	return doc
}

// stallingTables wraps memoryTables and blocks reads and upserts of one table
// until the step context expires.
type stallingTables struct {
	*memoryTables
	stall models.BackupTable
}

func (s *stallingTables) ReadAll(ctx context.Context, table models.BackupTable) ([]models.Row, error) {
	if table == s.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.memoryTables.ReadAll(ctx, table)
}

func (s *stallingTables) Upsert(ctx context.Context, table models.BackupTable, rows []models.Row) error {
	if table == s.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.memoryTables.Upsert(ctx, table, rows)
}

// stallingMailer blocks every send until its context expires.
type stallingMailer struct{}

func (stallingMailer) Send(ctx context.Context, msg mailer.Message) error {
	<-ctx.Done()
	return ctx.Err()
}
