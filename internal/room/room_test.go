package room

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudserver/internal/clock"
	"cloudserver/pkg/interfaces"
	"cloudserver/pkg/types"
)

type recordingTransport struct {
	mu       sync.Mutex
	messages []*types.Message
	closed   int
	sendErr  error
}

func (t *recordingTransport) Send(msg *types.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.messages = append(t.messages, msg)
	return nil
}

func (t *recordingTransport) Close(code int, reason string) error {
	t.mu.Lock()
	t.closed = code
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) received() []*types.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*types.Message(nil), t.messages...)
}

type recordingAuditor struct {
	mu      sync.Mutex
	changes []*types.VariableChange
}

func (a *recordingAuditor) LogChange(change *types.VariableChange) {
	a.mu.Lock()
	a.changes = append(a.changes, change)
	a.mu.Unlock()
}

func (a *recordingAuditor) recorded() []*types.VariableChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*types.VariableChange(nil), a.changes...)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestList(t *testing.T, limits Limits) (*List, *recordingAuditor, *clock.FakeClock) {
	t.Helper()
	auditor := &recordingAuditor{}
	clk := clock.Fake(epoch)
	return NewList(limits, auditor, clk, nil), auditor, clk
}

func newTestClient(ip string) (*Client, *recordingTransport) {
	transport := &recordingTransport{}
	return NewClient(ip, "test-agent", transport), transport
}

func smallLimits() Limits {
	return Limits{MaxRooms: 4, MaxClientsPerRoom: 3, MaxVariablesPerRoom: 3}
}

func TestRoom_VariableCapacity(t *testing.T) {
	list, _, _ := newTestList(t, smallLimits())
	r, err := list.Create("1")
	require.NoError(t, err)

	for _, name := range []string{"☁ a", "☁ b", "☁ c"} {
		require.NoError(t, r.Create(nil, name, "0"))
	}

	err = r.Create(nil, "☁ d", "0")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 3, r.VariableCount())
	assert.False(t, r.Has("☁ d"))
}

func TestRoom_ClientCapacity(t *testing.T) {
	list, _, _ := newTestList(t, smallLimits())
	r, err := list.Create("1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c, _ := newTestClient("10.0.0.1")
		require.NoError(t, r.AddClient(c))
	}

	extra, _ := newTestClient("10.0.0.2")
	err = r.AddClient(extra)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 3, r.ClientCount())
	assert.False(t, extra.InRoom())
}

func TestRoom_ErrorTaxonomy(t *testing.T) {
	list, _, _ := newTestList(t, smallLimits())
	r, err := list.Create("1")
	require.NoError(t, err)

	assert.ErrorIs(t, r.Set(nil, "☁ missing", "1"), ErrNotFound)
	assert.ErrorIs(t, r.Delete(nil, "☁ missing"), ErrNotFound)

	require.NoError(t, r.Create(nil, "☁ x", "1"))
	assert.ErrorIs(t, r.Create(nil, "☁ x", "2"), ErrAlreadyExists)

	value, ok := r.Get("☁ x")
	assert.True(t, ok)
	assert.Equal(t, "1", value)
}

func TestRoom_IsolationBetweenRooms(t *testing.T) {
	list, _, _ := newTestList(t, smallLimits())
	room1, err := list.Create("1")
	require.NoError(t, err)
	room2, err := list.Create("2")
	require.NoError(t, err)

	require.NoError(t, room1.Create(nil, "x", "1"))
	require.NoError(t, room2.Create(nil, "x", "2"))

	v1, _ := room1.Get("x")
	v2, _ := room2.Get("x")
	assert.Equal(t, "1", v1)
	assert.Equal(t, "2", v2)
}

func TestRoom_VariablesSurviveMembershipChanges(t *testing.T) {
	list, _, _ := newTestList(t, smallLimits())
	r, err := list.Create("1")
	require.NoError(t, err)
	require.NoError(t, r.Create(nil, "☁ kept", "yes"))

	c, _ := newTestClient("10.0.0.1")
	require.NoError(t, r.AddClient(c))
	r.RemoveClient(c)

	value, ok := r.Get("☁ kept")
	assert.True(t, ok)
	assert.Equal(t, "yes", value)
	assert.Equal(t, 0, r.ClientCount())
	assert.False(t, c.InRoom())
}

func TestRoom_RemoveClientIsNoOpWhenAbsent(t *testing.T) {
	list, _, clk := newTestList(t, smallLimits())
	r, err := list.Create("1")
	require.NoError(t, err)

	before := r.LastActivity()
	clk.Advance(time.Minute)
	stranger, _ := newTestClient("10.0.0.9")
	r.RemoveClient(stranger)

	assert.Equal(t, before, r.LastActivity())
}

func TestRoom_BroadcastExcludesOrigin(t *testing.T) {
	list, _, _ := newTestList(t, smallLimits())
	r, err := list.Create("1")
	require.NoError(t, err)

	a, ta := newTestClient("10.0.0.1")
	b, tb := newTestClient("10.0.0.2")
	require.NoError(t, r.AddClient(a))
	require.NoError(t, r.AddClient(b))

	require.NoError(t, r.Create(a, "☁ v", "1"))
	require.NoError(t, r.Set(a, "☁ v", "2"))
	require.NoError(t, r.Delete(b, "☁ v"))

	assert.Len(t, ta.received(), 1, "origin of create/set must not get its own deltas")
	assert.Equal(t, types.MethodDelete, ta.received()[0].Method)

	got := tb.received()
	require.Len(t, got, 2)
	assert.Equal(t, types.MethodSet, got[0].Method)
	assert.Equal(t, "1", got[0].ValueString())
	assert.Equal(t, "2", got[1].ValueString())
}

func TestRoom_NilOriginBroadcastsToEveryone(t *testing.T) {
	list, _, _ := newTestList(t, smallLimits())
	r, err := list.Create("1")
	require.NoError(t, err)

	a, ta := newTestClient("10.0.0.1")
	b, tb := newTestClient("10.0.0.2")
	require.NoError(t, r.AddClient(a))
	require.NoError(t, r.AddClient(b))

	require.NoError(t, r.Create(nil, "☁ v", "1"))
	assert.Len(t, ta.received(), 1)
	assert.Len(t, tb.received(), 1)
}

func TestRoom_BroadcastFailureDoesNotFailMutation(t *testing.T) {
	list, _, _ := newTestList(t, smallLimits())
	r, err := list.Create("1")
	require.NoError(t, err)

	broken, tb := newTestClient("10.0.0.1")
	tb.sendErr = interfaces.ErrSendBufferFull
	require.NoError(t, r.AddClient(broken))

	assert.NoError(t, r.Create(nil, "☁ v", "1"))
	assert.True(t, r.Has("☁ v"))
}

func TestRoom_SetSameValueStillAuditsAndBroadcasts(t *testing.T) {
	list, auditor, _ := newTestList(t, smallLimits())
	r, err := list.Create("1")
	require.NoError(t, err)

	watcher, tw := newTestClient("10.0.0.1")
	require.NoError(t, r.AddClient(watcher))

	require.NoError(t, r.Create(nil, "☁ v", "same"))
	require.NoError(t, r.Set(nil, "☁ v", "same"))

	assert.Len(t, tw.received(), 2)
	changes := auditor.recorded()
	require.Len(t, changes, 2)
	assert.Equal(t, types.ActionUpdate, changes[1].Action)
	assert.Equal(t, "same", changes[1].OldValue)
}

func TestRoom_RenameAuditedAsDeleteThenCreate(t *testing.T) {
	list, auditor, _ := newTestList(t, smallLimits())
	r, err := list.Create("1")
	require.NoError(t, err)
	require.NoError(t, r.Create(nil, "☁ old", "7"))
	require.NoError(t, r.Create(nil, "☁ other", "8"))

	assert.ErrorIs(t, r.Rename(nil, "☁ missing", "☁ new"), ErrNotFound)
	assert.ErrorIs(t, r.Rename(nil, "☁ old", "☁ other"), ErrAlreadyExists)

	require.NoError(t, r.Rename(nil, "☁ old", "☁ new"))
	assert.False(t, r.Has("☁ old"))
	value, _ := r.Get("☁ new")
	assert.Equal(t, "7", value)

	changes := auditor.recorded()
	require.Len(t, changes, 4)
	assert.Equal(t, types.ActionDelete, changes[2].Action)
	assert.Equal(t, "☁ old", changes[2].VariableName)
	assert.Equal(t, types.ActionCreate, changes[3].Action)
	assert.Equal(t, "☁ new", changes[3].VariableName)
}

func TestRoom_MutationsTouchLastActivity(t *testing.T) {
	list, _, clk := newTestList(t, smallLimits())
	r, err := list.Create("1")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	require.NoError(t, r.Create(nil, "☁ v", "1"))
	assert.Equal(t, epoch.Add(time.Minute), r.LastActivity())

	clk.Advance(time.Minute)
	c, _ := newTestClient("10.0.0.1")
	require.NoError(t, r.AddClient(c))
	assert.Equal(t, epoch.Add(2*time.Minute), r.LastActivity())
}

func TestRoom_AuditRecordsOriginIdentity(t *testing.T) {
	list, auditor, _ := newTestList(t, smallLimits())
	r, err := list.Create("42")
	require.NoError(t, err)

	c, _ := newTestClient("192.0.2.7")
	c.SetUsername("alice")
	require.NoError(t, r.AddClient(c))
	require.NoError(t, r.Create(c, "☁ v", "1"))

	changes := auditor.recorded()
	require.Len(t, changes, 1)
	change := changes[0]
	assert.Equal(t, c.ID, change.ClientID)
	assert.Equal(t, "192.0.2.7", change.IP)
	assert.Equal(t, "alice", change.Username)
	assert.Equal(t, "test-agent", change.UserAgent)
	assert.Equal(t, "42", change.RoomID)
	assert.Equal(t, 1, change.ClientCount)
}

// End to end: two clients in one room observe a create then an update, and
// both mutations are audited with the room size at the time.
func TestRoom_ScoreScenario(t *testing.T) {
	list, auditor, _ := newTestList(t, DefaultLimits())
	r, err := list.Create("R")
	require.NoError(t, err)

	a, ta := newTestClient("10.0.0.1")
	b, tb := newTestClient("10.0.0.2")
	require.NoError(t, r.AddClient(a))
	require.NoError(t, r.AddClient(b))

	require.NoError(t, r.Create(nil, "☁ score", "0"))
	require.NoError(t, r.Set(nil, "☁ score", "10"))

	value, _ := r.Get("☁ score")
	assert.Equal(t, "10", value)
	for _, tr := range []*recordingTransport{ta, tb} {
		got := tr.received()
		require.Len(t, got, 2)
		assert.Equal(t, "10", got[1].ValueString())
	}

	changes := auditor.recorded()
	require.Len(t, changes, 2)
	assert.Equal(t, types.ActionCreate, changes[0].Action)
	assert.Equal(t, types.ActionUpdate, changes[1].Action)
	for _, change := range changes {
		assert.Equal(t, "☁ score", change.VariableName)
		assert.Equal(t, 2, change.ClientCount)
	}
}

func TestRoom_NilAuditorIsAllowed(t *testing.T) {
	list := NewList(smallLimits(), nil, clock.Fake(epoch), nil)
	r, err := list.Create("1")
	require.NoError(t, err)
	assert.NoError(t, r.Create(nil, "☁ v", "1"))
	assert.NoError(t, r.Set(nil, "☁ v", "2"))
}
