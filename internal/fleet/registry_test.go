package fleet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuthost/shuthost/internal/eventbus"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	bus := eventbus.New()
	r := New(bus)

	mac, _ := net.ParseMAC("AA:BB:CC:DD:EE:FF")
	r.hosts["h1"] = Host{Name: "h1", MAC: mac, IP: net.ParseIP("10.0.0.2"), Port: 5757}
	r.clients["c1"] = Client{ID: "c1"}
	r.clients["c2"] = Client{ID: "c2"}
	return r
}

func TestTakeIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	res, err := r.Take("h1", "c1")
	require.NoError(t, err)
	assert.False(t, res.WasAlready)
	assert.Equal(t, 1, res.LeaseCount)

	res, err = r.Take("h1", "c1")
	require.NoError(t, err)
	assert.True(t, res.WasAlready)
	assert.Equal(t, 1, res.LeaseCount)
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	res, err := r.Release("h1", "c1")
	require.NoError(t, err)
	assert.False(t, res.WasPresent)

	_, err = r.Take("h1", "c1")
	require.NoError(t, err)

	res, err = r.Release("h1", "c1")
	require.NoError(t, err)
	assert.True(t, res.WasPresent)

	res, err = r.Release("h1", "c1")
	require.NoError(t, err)
	assert.False(t, res.WasPresent)
}

func TestTakeRejectsUnknownHostOrClient(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Take("missing", "c1")
	assert.Error(t, err)
	var uh ErrUnknownHost
	assert.ErrorAs(t, err, &uh)

	_, err = r.Take("h1", "missing")
	assert.Error(t, err)
	var uc ErrUnknownClient
	assert.ErrorAs(t, err, &uc)
}

func TestDesiredIsUnionOfLeaseholders(t *testing.T) {
	r := newTestRegistry(t)
	assert.False(t, r.Desired("h1"))

	_, err := r.Take("h1", "c1")
	require.NoError(t, err)
	assert.True(t, r.Desired("h1"))

	_, err = r.Take("h1", "c2")
	require.NoError(t, err)
	assert.True(t, r.Desired("h1"))

	_, err = r.Release("h1", "c1")
	require.NoError(t, err)
	assert.True(t, r.Desired("h1"), "c2 still holds a lease")

	_, err = r.Release("h1", "c2")
	require.NoError(t, err)
	assert.False(t, r.Desired("h1"))
}

func TestApplyConfigReleasesLeasesForRemovedHost(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Take("h1", "c1")
	require.NoError(t, err)

	removed, added, affected := r.ApplyConfig(map[string]Host{}, map[string]Client{"c1": {ID: "c1"}})
	assert.Equal(t, []string{"h1"}, removed)
	assert.Empty(t, added)
	assert.Empty(t, affected)

	_, _, errExists := takeOrErr(r, "h1", "c1")
	assert.Error(t, errExists)
}

func TestApplyConfigReleasesLeasesForRemovedClient(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Take("h1", "c1")
	require.NoError(t, err)
	_, err = r.Take("h1", "c2")
	require.NoError(t, err)

	_, _, affected := r.ApplyConfig(map[string]Host{"h1": r.hosts["h1"]}, map[string]Client{"c2": {ID: "c2"}})

	assert.Equal(t, []string{"c2"}, r.LeasesOf("h1"))
	assert.Equal(t, []string{"h1"}, affected)
}

func takeOrErr(r *Registry, host, client string) (TakeResult, bool, error) {
	res, err := r.Take(host, client)
	return res, err == nil, err
}
