package capture

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldvault/fieldvault/internal/storage"
	"github.com/fieldvault/fieldvault/internal/types"
)

// fakeClock returns a fixed instant so assertions are deterministic.
type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

// fakeStore is an in-memory storage.Storage good enough to drive the facade.
// RunInTransaction snapshots state and restores it on error, so the
// all-or-nothing contract is observable in tests.
type fakeStore struct {
	mu       sync.Mutex
	clock    types.Clock
	nextID   int64
	fields   map[string]*types.FieldDefinition // application/name
	contexts map[string]int64                  // application/fingerprint
	pairs    map[string]*fakePair              // groupID/defID
	audits   []*types.AuditEvent

	// conflictsLeft injects storage.ErrConflict into that many upcoming
	// SaveFieldValue calls.
	conflictsLeft int
}

type fakePair struct {
	captureID int64
	versions  []fakeVersion
}

type fakeVersion struct {
	id          int64
	num         int
	valueString *string
	valueNumber *string
	actor       string
	reason      string
	eventType   string
	sigType     string
	changedAt   time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clock:    fakeClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)},
		fields:   make(map[string]*types.FieldDefinition),
		contexts: make(map[string]int64),
		pairs:    make(map[string]*fakePair),
	}
}

func (f *fakeStore) id() int64 { f.nextID++; return f.nextID }

func fieldKey(app, name string) string { return app + "/" + name }

func (f *fakeStore) DefineField(ctx context.Context, app string, input *types.FieldDefinitionInput, actor string) (*types.FieldDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	active := true
	if input.Active != nil {
		active = *input.Active
	}
	def := &types.FieldDefinition{
		ID:          f.id(),
		Application: app,
		FieldName:   input.FieldName,
		DataType:    input.DataType,
		Label:       input.Label,
		Attributes:  input.Attributes,
		Active:      active,
		CreatedAt:   f.clock.Now(),
		UpdatedAt:   f.clock.Now(),
		CreatedBy:   actor,
		UpdatedBy:   actor,
	}
	if prev, ok := f.fields[fieldKey(app, input.FieldName)]; ok {
		def.ID = prev.ID
		def.CreatedAt = prev.CreatedAt
		def.CreatedBy = prev.CreatedBy
	}
	f.fields[fieldKey(app, input.FieldName)] = def
	return def, nil
}

func (f *fakeStore) LookupFields(ctx context.Context, app string, names []string) (map[string]*types.FieldDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*types.FieldDefinition)
	for _, name := range names {
		if def, ok := f.fields[fieldKey(app, name)]; ok {
			out[name] = def
		}
	}
	return out, nil
}

func (f *fakeStore) ListFields(ctx context.Context, app string) ([]*types.FieldDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.FieldDefinition
	for _, def := range f.fields {
		if def.Application == app {
			out = append(out, def)
		}
	}
	return out, nil
}

func (f *fakeStore) GetFieldDefinitionHistory(ctx context.Context, app, name string) ([]*types.FieldDefinitionVersion, error) {
	return nil, nil
}

func (f *fakeStore) resolveContextLocked(app string, keys map[string]string) int64 {
	fp := app + "/" + types.ContextFingerprint(keys)
	if id, ok := f.contexts[fp]; ok {
		return id
	}
	id := f.id()
	f.contexts[fp] = id
	return id
}

func (f *fakeStore) ResolveContext(ctx context.Context, app string, keys map[string]string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveContextLocked(app, keys), nil
}

func (f *fakeStore) FindContext(ctx context.Context, app string, keys map[string]string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp := app + "/" + types.ContextFingerprint(keys)
	if id, ok := f.contexts[fp]; ok {
		return id, nil
	}
	return 0, storage.ErrNotFound
}

func pairKey(groupID, defID int64) string { return fmt.Sprintf("%d/%d", groupID, defID) }

func (f *fakeStore) GetCurrentValues(ctx context.Context, app string, groupID int64, names []string) (map[string]*types.FieldView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*types.FieldView)
	for _, name := range names {
		def, ok := f.fields[fieldKey(app, name)]
		if !ok {
			continue
		}
		view := &types.FieldView{
			FieldName:  def.FieldName,
			Label:      def.Label,
			DataType:   def.DataType,
			Attributes: def.Attributes,
		}
		if pair, ok := f.pairs[pairKey(groupID, def.ID)]; ok && len(pair.versions) > 0 {
			cur := pair.versions[len(pair.versions)-1]
			view.Value = types.DecodeValue(def.DataType, cur.valueString, cur.valueNumber)
			num := cur.num
			view.Version = &num
			t := cur.changedAt
			view.UpdatedAt = &t
			id := pair.captureID
			view.CaptureDataID = &id
			vid := cur.id
			view.VersionID = &vid
		}
		out[name] = view
	}
	return out, nil
}

func (f *fakeStore) GetFieldAuditTrail(ctx context.Context, app string, groupID int64, name string) ([]*types.VersionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.fields[fieldKey(app, name)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	pair, ok := f.pairs[pairKey(groupID, def.ID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	var out []*types.VersionRecord
	for _, v := range pair.versions {
		out = append(out, &types.VersionRecord{
			Version:       v.num,
			Value:         types.DecodeValue(def.DataType, v.valueString, v.valueNumber),
			ChangedAt:     v.changedAt,
			Actor:         v.actor,
			Reason:        v.reason,
			EventType:     v.eventType,
			SignatureType: v.sigType,
		})
	}
	return out, nil
}

func (f *fakeStore) WriteAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, event)
	return nil
}

func (f *fakeStore) GetAuditEvents(ctx context.Context, app string, limit int) ([]*types.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.AuditEvent
	for i := len(f.audits) - 1; i >= 0 && len(out) < limit; i-- {
		if f.audits[i].Application == app {
			out = append(out, f.audits[i])
		}
	}
	return out, nil
}

func (f *fakeStore) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	f.mu.Lock()
	snapPairs := make(map[string]*fakePair, len(f.pairs))
	for k, v := range f.pairs {
		versions := make([]fakeVersion, len(v.versions))
		copy(versions, v.versions)
		snapPairs[k] = &fakePair{captureID: v.captureID, versions: versions}
	}
	snapContexts := make(map[string]int64, len(f.contexts))
	for k, v := range f.contexts {
		snapContexts[k] = v
	}
	snapAudits := len(f.audits)
	snapID := f.nextID
	f.mu.Unlock()

	if err := fn(&fakeTx{st: f}); err != nil {
		f.mu.Lock()
		f.pairs = snapPairs
		f.contexts = snapContexts
		f.audits = f.audits[:snapAudits]
		f.nextID = snapID
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

type fakeTx struct{ st *fakeStore }

func (t *fakeTx) ResolveContext(ctx context.Context, app string, keys map[string]string) (int64, error) {
	return t.st.ResolveContext(ctx, app, keys)
}

func (t *fakeTx) LookupFields(ctx context.Context, app string, names []string) (map[string]*types.FieldDefinition, error) {
	return t.st.LookupFields(ctx, app, names)
}

func (t *fakeTx) SaveFieldValue(ctx context.Context, req *storage.SaveFieldRequest) (*types.FieldSaveResult, error) {
	f := t.st
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return nil, fmt.Errorf("insert capture row: %w", storage.ErrConflict)
	}
	if !req.Definition.Active {
		return nil, storage.ErrInactive
	}
	valueString, valueNumber, err := types.EncodeValue(req.Definition.DataType, req.Value)
	if err != nil {
		return nil, err
	}
	key := pairKey(req.ContextGroupID, req.Definition.ID)
	pair, ok := f.pairs[key]
	if !ok {
		pair = &fakePair{captureID: f.id()}
		f.pairs[key] = pair
	}
	v := fakeVersion{
		id:          f.id(),
		num:         len(pair.versions) + 1,
		valueString: valueString,
		valueNumber: valueNumber,
		actor:       req.Actor,
		reason:      req.Reason,
		eventType:   req.EventType,
		sigType:     req.SignatureType,
		changedAt:   f.clock.Now(),
	}
	if v.eventType == "" {
		if v.num == 1 {
			v.eventType = types.EventInitialEntry
		} else {
			v.eventType = types.EventCorrection
		}
	}
	pair.versions = append(pair.versions, v)
	return &types.FieldSaveResult{
		FieldName:            req.Definition.FieldName,
		CaptureDataID:        pair.captureID,
		VersionID:            v.id,
		SequentialVersionNum: v.num,
	}, nil
}

func (t *fakeTx) WriteAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	return t.st.WriteAuditEvent(ctx, event)
}

var _ storage.Storage = (*fakeStore)(nil)

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	svc := NewService(st, &Options{DefaultActor: "tester"})
	return svc, st
}

func defineTestField(t *testing.T, svc *Service, app, name string, dt types.DataType) {
	t.Helper()
	_, err := svc.DefineField(context.Background(), app, &types.FieldDefinitionInput{
		FieldName: name,
		DataType:  dt,
		Label:     name,
	}, "tester")
	require.NoError(t, err)
}

var testContext = map[string]string{"study": "S-100", "subject": "001"}

func TestSaveRecordValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SaveRecord(ctx, "app", testContext, nil, "a", types.SaveDefaults{})
	require.True(t, types.IsKind(err, types.KindInvalidInput))

	fields := []types.FieldSave{
		{Field: "weight", Value: 70},
		{Field: "weight", Value: 71},
	}
	_, err = svc.SaveRecord(ctx, "app", testContext, fields, "a", types.SaveDefaults{})
	require.True(t, types.IsKind(err, types.KindInvalidInput))

	_, err = svc.SaveRecord(ctx, "app", testContext, []types.FieldSave{{Field: "weight"}}, "a", types.SaveDefaults{})
	require.True(t, types.IsKind(err, types.KindInvalidInput))

	_, err = svc.SaveRecord(ctx, "app", map[string]string{}, []types.FieldSave{{Field: "weight", Value: 70}}, "a", types.SaveDefaults{})
	require.True(t, types.IsKind(err, types.KindInvalidContext))

	_, err = svc.SaveRecord(ctx, "", testContext, []types.FieldSave{{Field: "weight", Value: 70}}, "a", types.SaveDefaults{})
	require.True(t, types.IsKind(err, types.KindInvalidInput))
}

func TestSaveRecordUnknownAndInactiveField(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SaveRecord(ctx, "app", testContext, []types.FieldSave{{Field: "ghost", Value: "x"}}, "a", types.SaveDefaults{})
	require.True(t, types.IsKind(err, types.KindUnknownField))

	inactive := false
	_, err = svc.DefineField(ctx, "app", &types.FieldDefinitionInput{
		FieldName: "retired", DataType: types.TypeString, Active: &inactive,
	}, "tester")
	require.NoError(t, err)

	_, err = svc.SaveRecord(ctx, "app", testContext, []types.FieldSave{{Field: "retired", Value: "x"}}, "a", types.SaveDefaults{})
	require.True(t, types.IsKind(err, types.KindInactiveField))
}

func TestSaveRecordVersionsSequentially(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	defineTestField(t, svc, "app", "weight", types.TypeNumber)

	res, err := svc.SaveRecord(ctx, "app", testContext, []types.FieldSave{{Field: "weight", Value: 70.5}}, "alice", types.SaveDefaults{})
	require.NoError(t, err)
	require.Len(t, res.Saved, 1)
	require.Equal(t, 1, res.Saved[0].SequentialVersionNum)

	res2, err := svc.SaveRecord(ctx, "app", testContext, []types.FieldSave{{Field: "weight", Value: 71.0, Reason: "transcription error"}}, "bob", types.SaveDefaults{})
	require.NoError(t, err)
	require.Equal(t, 2, res2.Saved[0].SequentialVersionNum)
	require.Equal(t, res.ContextGroupID, res2.ContextGroupID)

	trail, err := svc.GetFieldAuditTrail(ctx, "app", testContext, "weight")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	require.Equal(t, 1, trail[0].Version)
	require.Equal(t, 2, trail[1].Version)
	require.Equal(t, types.EventInitialEntry, trail[0].EventType)
	require.Equal(t, types.EventCorrection, trail[1].EventType)
	require.Equal(t, "transcription error", trail[1].Reason)
	require.Equal(t, "bob", trail[1].Actor)
}

func TestSaveRecordSegregatesContexts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	defineTestField(t, svc, "app", "weight", types.TypeNumber)

	// Same subject captured under two scopes: independent histories.
	clinic := map[string]string{"subject": "P007", "scope": "CLINIC_A"}
	study := map[string]string{"subject": "P007", "scope": "STUDY_X"}

	resClinic, err := svc.SaveRecord(ctx, "app", clinic, []types.FieldSave{{Field: "weight", Value: 70.0}}, "a", types.SaveDefaults{})
	require.NoError(t, err)
	resStudy, err := svc.SaveRecord(ctx, "app", study, []types.FieldSave{{Field: "weight", Value: 80.0}}, "a", types.SaveDefaults{})
	require.NoError(t, err)

	require.NotEqual(t, resClinic.ContextGroupID, resStudy.ContextGroupID)
	require.NotEqual(t, resClinic.Saved[0].CaptureDataID, resStudy.Saved[0].CaptureDataID)
	require.Equal(t, 1, resClinic.Saved[0].SequentialVersionNum)
	require.Equal(t, 1, resStudy.Saved[0].SequentialVersionNum)

	clinicTrail, err := svc.GetFieldAuditTrail(ctx, "app", clinic, "weight")
	require.NoError(t, err)
	require.Len(t, clinicTrail, 1)
	require.Equal(t, 70.0, clinicTrail[0].Value)

	studyTrail, err := svc.GetFieldAuditTrail(ctx, "app", study, "weight")
	require.NoError(t, err)
	require.Len(t, studyTrail, 1)
	require.Equal(t, 80.0, studyTrail[0].Value)
}

func TestSaveRecordAllOrNothing(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	defineTestField(t, svc, "app", "weight", types.TypeNumber)

	fields := []types.FieldSave{
		{Field: "weight", Value: 70},
		{Field: "ghost", Value: "x"},
	}
	_, err := svc.SaveRecord(ctx, "app", testContext, fields, "a", types.SaveDefaults{})
	require.True(t, types.IsKind(err, types.KindUnknownField))

	// The valid field in the failed batch must not have been persisted.
	require.Empty(t, st.pairs)

	trail, err := svc.GetFieldAuditTrail(ctx, "app", testContext, "weight")
	require.NoError(t, err)
	require.Empty(t, trail)
}

func TestSaveRecordRetriesConflictOnce(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	defineTestField(t, svc, "app", "weight", types.TypeNumber)

	st.conflictsLeft = 1
	res, err := svc.SaveRecord(ctx, "app", testContext, []types.FieldSave{{Field: "weight", Value: 70}}, "a", types.SaveDefaults{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Saved[0].SequentialVersionNum)

	st.conflictsLeft = 2
	_, err = svc.SaveRecord(ctx, "app", testContext, []types.FieldSave{{Field: "weight", Value: 71}}, "a", types.SaveDefaults{})
	require.True(t, types.IsKind(err, types.KindConflict))
}

func TestSaveRecordInvalidValue(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	defineTestField(t, svc, "app", "weight", types.TypeNumber)

	_, err := svc.SaveRecord(ctx, "app", testContext, []types.FieldSave{{Field: "weight", Value: "not a number"}}, "a", types.SaveDefaults{})
	require.True(t, types.IsKind(err, types.KindInvalidInput))
}

func TestSaveRecordAppliesDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	defineTestField(t, svc, "app", "weight", types.TypeNumber)
	defineTestField(t, svc, "app", "height", types.TypeNumber)

	fields := []types.FieldSave{
		{Field: "weight", Value: 70, Reason: "remeasured"},
		{Field: "height", Value: 180},
	}
	defaults := types.SaveDefaults{Reason: "initial visit", SignatureType: "electronic"}
	_, err := svc.SaveRecord(ctx, "app", testContext, fields, "a", defaults)
	require.NoError(t, err)

	trail, err := svc.GetFieldAuditTrail(ctx, "app", testContext, "weight")
	require.NoError(t, err)
	require.Equal(t, "remeasured", trail[0].Reason)
	require.Equal(t, "electronic", trail[0].SignatureType)

	trail, err = svc.GetFieldAuditTrail(ctx, "app", testContext, "height")
	require.NoError(t, err)
	require.Equal(t, "initial visit", trail[0].Reason)
}

func TestGetRecord(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	defineTestField(t, svc, "app", "weight", types.TypeNumber)
	defineTestField(t, svc, "app", "status", types.TypeString)

	// Unresolved context: definition metadata, nil values.
	views, err := svc.GetRecord(ctx, "app", testContext, []string{"weight"})
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Nil(t, views["weight"].Value)
	require.Nil(t, views["weight"].Version)

	// Unknown field is an error, not a silent omission.
	_, err = svc.GetRecord(ctx, "app", testContext, []string{"ghost"})
	require.True(t, types.IsKind(err, types.KindUnknownField))

	_, err = svc.SaveRecord(ctx, "app", testContext, []types.FieldSave{{Field: "weight", Value: 70.5}}, "a", types.SaveDefaults{})
	require.NoError(t, err)

	// With no names, every defined field is returned, saved or not.
	views, err = svc.GetRecord(ctx, "app", testContext, nil)
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.Equal(t, 70.5, views["weight"].Value)
	require.NotNil(t, views["weight"].Version)
	require.Equal(t, 1, *views["weight"].Version)
	require.Nil(t, views["status"].Value)
}

func TestGetFieldAuditTrailUnknownField(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetFieldAuditTrail(context.Background(), "app", testContext, "ghost")
	require.True(t, types.IsKind(err, types.KindUnknownField))
}

func TestDefineFieldWritesAuditEvent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	defineTestField(t, svc, "app", "weight", types.TypeNumber)

	events, err := st.GetAuditEvents(ctx, "app", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.AuditFieldDefined, events[0].EventType)
	require.Equal(t, "weight", events[0].AffectedID)
}

func TestSaveRecordWritesAuditEvent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	defineTestField(t, svc, "app", "weight", types.TypeNumber)

	res, err := svc.SaveRecord(ctx, "app", testContext, []types.FieldSave{{Field: "weight", Value: 70}}, "a", types.SaveDefaults{})
	require.NoError(t, err)

	events, err := st.GetAuditEvents(ctx, "app", 10)
	require.NoError(t, err)
	var saved *types.AuditEvent
	for _, ev := range events {
		if ev.EventType == types.AuditRecordSaved {
			saved = ev
		}
	}
	require.NotNil(t, saved)
	require.Equal(t, fmt.Sprintf("%d", res.ContextGroupID), saved.AffectedID)
}
