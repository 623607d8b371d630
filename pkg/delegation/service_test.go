//
//  Copyright © Manetu Inc. All rights reserved.
//

package delegation_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/delegation"
	"github.com/manetu/flowpilot/pkg/delegation/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allowedActions = []string{"read", "execute", "book", "cancel"}

func newService(t *testing.T) *delegation.Service {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return delegation.NewService(store, allowedActions, 0)
}

func create(t *testing.T, s *delegation.Service, principal, delegate string, workflowID *string, scope []string, ttl time.Duration) *delegation.Edge {
	t.Helper()
	edge, _, err := s.Create(context.Background(), delegation.CreateRequest{
		PrincipalID: principal,
		DelegateID:  delegate,
		WorkflowID:  workflowID,
		Scope:       scope,
		ExpiresAt:   time.Now().Add(ttl),
	})
	require.NoError(t, err)
	return edge
}

func strptr(s string) *string { return &s }

func TestCreateValidation(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	future := time.Now().Add(24 * time.Hour)

	tests := []struct {
		name string
		req  delegation.CreateRequest
		code string
	}{
		{
			name: "empty principal",
			req:  delegation.CreateRequest{DelegateID: "u2", ExpiresAt: future},
			code: "delegation.invalid_argument",
		},
		{
			name: "self delegation",
			req:  delegation.CreateRequest{PrincipalID: "u1", DelegateID: "u1", ExpiresAt: future},
			code: "delegation.invalid_argument",
		},
		{
			name: "scope outside delegable set",
			req:  delegation.CreateRequest{PrincipalID: "u1", DelegateID: "u2", Scope: []string{"fly"}, ExpiresAt: future},
			code: "delegation.invalid_scope",
		},
		{
			name: "expiry in the past",
			req:  delegation.CreateRequest{PrincipalID: "u1", DelegateID: "u2", ExpiresAt: time.Now().Add(-time.Minute)},
			code: "delegation.invalid_expiry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.Create(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, common.ReasonCodeOf(err, ""))
			assert.True(t, common.IsKind(err, common.KindInvalidArgument))
		})
	}
}

func TestCreateDefaultsScopeToExecute(t *testing.T) {
	s := newService(t)
	edge := create(t, s, "u1", "u2", nil, nil, time.Hour)
	assert.Equal(t, []string{"execute"}, edge.Scope)
}

func TestInsertMergeIdempotence(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	first, created, err := s.Create(ctx, delegation.CreateRequest{
		PrincipalID: "u1", DelegateID: "u2",
		Scope: []string{"read"}, ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, created)

	// Narrower scope, earlier expiry: unchanged, not created
	again, created, err := s.Create(ctx, delegation.CreateRequest{
		PrincipalID: "u1", DelegateID: "u2",
		Scope: []string{"read"}, ExpiresAt: time.Now().Add(30 * time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, []string{"read"}, again.Scope)

	// Wider scope and later expiry: single edge widened
	later := time.Now().Add(48 * time.Hour)
	widened, created, err := s.Create(ctx, delegation.CreateRequest{
		PrincipalID: "u1", DelegateID: "u2",
		Scope: []string{"execute"}, ExpiresAt: later,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, widened.ID)
	assert.ElementsMatch(t, []string{"read", "execute"}, widened.Scope)
	assert.WithinDuration(t, later, widened.ExpiresAt, time.Second)

	// Still exactly one live edge
	edges, err := s.ListOutgoing(ctx, "u1", nil, false)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.ElementsMatch(t, []string{"read", "execute"}, edges[0].Scope)
}

func TestRevokeIdempotence(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	create(t, s, "u1", "u2", nil, []string{"execute"}, time.Hour)

	revoked, err := s.Revoke(ctx, "u1", "u2", nil)
	require.NoError(t, err)
	assert.True(t, revoked)

	// Second revoke finds nothing live
	revoked, err = s.Revoke(ctx, "u1", "u2", nil)
	require.NoError(t, err)
	assert.False(t, revoked)

	// No live edges remain, but history is retained
	live, err := s.ListOutgoing(ctx, "u1", nil, false)
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := s.ListOutgoing(ctx, "u1", nil, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].RevokedAt)
}

func TestLiveEdgeInvariant(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	create(t, s, "u1", "u2", nil, []string{"execute"}, time.Hour)
	create(t, s, "u1", "u3", nil, []string{"read"}, 50*time.Millisecond)
	create(t, s, "u1", "u4", nil, []string{"read"}, time.Hour)
	_, err := s.Revoke(ctx, "u1", "u4", nil)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond) // u3 edge expires

	live, err := s.ListOutgoing(ctx, "u1", nil, false)
	require.NoError(t, err)
	now := time.Now()
	require.Len(t, live, 1)
	for _, e := range live {
		assert.Nil(t, e.RevokedAt)
		assert.True(t, e.ExpiresAt.After(now))
	}
	assert.Equal(t, "u2", live[0].DelegateID)
}

func TestListWorkflowFilterIncludesGlobalEdges(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	create(t, s, "u1", "u2", strptr("w1"), []string{"execute"}, time.Hour)
	create(t, s, "u1", "u3", strptr("w2"), []string{"execute"}, time.Hour)
	create(t, s, "u1", "u4", nil, []string{"execute"}, time.Hour)

	edges, err := s.ListOutgoing(ctx, "u1", strptr("w1"), false)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	delegates := []string{edges[0].DelegateID, edges[1].DelegateID}
	assert.ElementsMatch(t, []string{"u2", "u4"}, delegates)

	incoming, err := s.ListIncoming(ctx, "u4", nil, false)
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, "u1", incoming[0].PrincipalID)
}

func TestFindPathIdentity(t *testing.T) {
	s := newService(t)

	path, err := s.FindPath(context.Background(), "u1", "u1", nil)
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Equal(t, []string{"u1"}, path.Path)
	assert.Equal(t, []string{"book", "cancel", "execute", "read"}, path.Actions)
}

func TestFindPathIntersectionShrinks(t *testing.T) {
	// A->B {read,execute}, B->C {read}: the chain confers only read
	s := newService(t)
	ctx := context.Background()
	create(t, s, "A", "B", nil, []string{"read", "execute"}, time.Hour)
	create(t, s, "B", "C", nil, []string{"read"}, time.Hour)

	path, err := s.FindPath(ctx, "A", "C", nil)
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Equal(t, []string{"A", "B", "C"}, path.Path)
	assert.Equal(t, []string{"read"}, path.Actions)
}

func TestFindPathPrefersExecuteOverShorter(t *testing.T) {
	// Direct A->C carries only read; the longer chain through B carries
	// execute and must win.
	s := newService(t)
	ctx := context.Background()
	create(t, s, "A", "C", nil, []string{"read"}, time.Hour)
	create(t, s, "A", "B", nil, []string{"read", "execute"}, time.Hour)
	create(t, s, "B", "C", nil, []string{"execute"}, time.Hour)

	path, err := s.FindPath(ctx, "A", "C", nil)
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Equal(t, []string{"A", "B", "C"}, path.Path)
	assert.Equal(t, []string{"execute"}, path.Actions)
}

func TestFindPathIgnoresRevokedEdges(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	create(t, s, "u1", "u2", strptr("w1"), []string{"read", "execute"}, time.Hour)

	path, err := s.FindPath(ctx, "u1", "u2", strptr("w1"))
	require.NoError(t, err)
	require.NotNil(t, path)

	_, err = s.Revoke(ctx, "u1", "u2", strptr("w1"))
	require.NoError(t, err)

	path, err = s.FindPath(ctx, "u1", "u2", strptr("w1"))
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestFindPathDepthBoundary(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	// Chain of exactly maxDepth edges: u0 -> u1 -> ... -> u5
	for i := 0; i < delegation.DefaultMaxDepth; i++ {
		create(t, s, fmt.Sprintf("u%d", i), fmt.Sprintf("u%d", i+1), nil, []string{"execute"}, time.Hour)
	}

	path, err := s.FindPath(ctx, "u0", fmt.Sprintf("u%d", delegation.DefaultMaxDepth), nil)
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Len(t, path.Path, delegation.DefaultMaxDepth+1)

	// One more hop is out of reach
	create(t, s, fmt.Sprintf("u%d", delegation.DefaultMaxDepth), fmt.Sprintf("u%d", delegation.DefaultMaxDepth+1), nil, []string{"execute"}, time.Hour)
	path, err = s.FindPath(ctx, "u0", fmt.Sprintf("u%d", delegation.DefaultMaxDepth+1), nil)
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestFindPathSurvivesCycles(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	create(t, s, "A", "B", nil, []string{"execute"}, time.Hour)
	create(t, s, "B", "A", nil, []string{"execute"}, time.Hour)
	create(t, s, "B", "C", nil, []string{"execute"}, time.Hour)

	path, err := s.FindPath(ctx, "A", "C", nil)
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Equal(t, []string{"A", "B", "C"}, path.Path)
}

func TestDelegatorAuthorityCheck(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	// B holds only read from A; B may re-delegate read but not execute
	create(t, s, "A", "B", nil, []string{"read"}, time.Hour)

	_, _, err := s.Create(ctx, delegation.CreateRequest{
		PrincipalID: "A", DelegateID: "C",
		Scope: []string{"execute"}, ExpiresAt: time.Now().Add(time.Hour),
		DelegatedBy: "B",
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindPermissionDenied))

	_, created, err := s.Create(ctx, delegation.CreateRequest{
		PrincipalID: "A", DelegateID: "C",
		Scope: []string{"read"}, ExpiresAt: time.Now().Add(time.Hour),
		DelegatedBy: "B",
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestValidate(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	create(t, s, "u1", "u2", strptr("w1"), []string{"read", "execute"}, time.Hour)

	res, err := s.Validate(ctx, "u1", "u2", strptr("w1"))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, []string{"u1", "u2"}, res.DelegationChain)
	assert.Equal(t, []string{"execute", "read"}, res.DelegatedActions)

	res, err = s.Validate(ctx, "u1", "u9", strptr("w1"))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Empty(t, res.DelegationChain)
	assert.Empty(t, res.DelegatedActions)
}
