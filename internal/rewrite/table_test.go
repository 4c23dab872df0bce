package rewrite_test

import (
	"testing"

	"github.com/moonkev/flexrewrite/internal/rewrite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendRules() []rewrite.Rule {
	return []rewrite.Rule{
		{Source: "/api/authenticate", Destination: "http://backend:8000/token"},
		{Source: "/api/:path*", Destination: "http://backend:8000/api/:path*"},
		{Source: "/token", Destination: "http://backend:8000/token"},
	}
}

func TestTable_Resolve(t *testing.T) {
	table, err := rewrite.NewTable(backendRules())
	require.NoError(t, err)

	testCases := []struct {
		path, query string
		index       int
		expected    string
	}{
		{"/api/authenticate", "", 0, "http://backend:8000/token"},
		{"/api/foo/bar", "", 1, "http://backend:8000/api/foo/bar"},
		{"/token", "", 2, "http://backend:8000/token"},
		{"/api", "", 1, "http://backend:8000/api"},
		{"/api/", "", 1, "http://backend:8000/api"},
		{"/api/admin/nas/status", "", 1, "http://backend:8000/api/admin/nas/status"},
		{"/api/admin/index", "storage_mode=nas", 1, "http://backend:8000/api/admin/index?storage_mode=nas"},
		{"/api/files/a%2Fb", "", 1, "http://backend:8000/api/files/a%2Fb"},
		{"/token/", "", 2, "http://backend:8000/token"},
		{"/api/authenticate/", "", 0, "http://backend:8000/token"},
		{"/API/authenticate", "", 0, "http://backend:8000/token"},
		{"/Token", "", 2, "http://backend:8000/token"},
		{"/API/foo", "", 1, "http://backend:8000/api/foo"},
		{"/Api/Foo/Bar", "", 1, "http://backend:8000/api/Foo/Bar"},
	}

	for _, tc := range testCases {
		res, ok := table.Resolve(tc.path, tc.query)
		require.True(t, ok, "expected %s to match", tc.path)
		assert.Equal(t, tc.index, res.Index, tc.path)
		assert.Equal(t, tc.expected, res.Target.String(), tc.path)
	}
}

func TestTable_ResolveNoMatch(t *testing.T) {
	table, err := rewrite.NewTable(backendRules())
	require.NoError(t, err)

	for _, path := range []string{"/", "/other", "/apis", "/tokens", "/APIS", "/token/extra"} {
		_, ok := table.Resolve(path, "")
		assert.False(t, ok, "expected %s not to match", path)
	}
}

func TestTable_FirstMatchWins(t *testing.T) {
	rules := backendRules()
	// Swap the catch-all in front: /api/authenticate is now shadowed.
	rules[0], rules[1] = rules[1], rules[0]
	table, err := rewrite.NewTable(rules)
	require.NoError(t, err)

	res, ok := table.Resolve("/api/authenticate", "")
	require.True(t, ok)
	assert.Equal(t, 0, res.Index)
	assert.Equal(t, "http://backend:8000/api/authenticate", res.Target.String())
	assert.Equal(t, map[string]string{"path": "authenticate"}, res.Params)
}

func TestTable_PreservesDeclarationOrder(t *testing.T) {
	table, err := rewrite.NewTable(backendRules())
	require.NoError(t, err)

	assert.Equal(t, backendRules(), table.Rules())
	require.Equal(t, 3, table.Len())
	assert.Equal(t, "/api/:path*", table.At(1).Rule().Source)
}

func TestTable_Upstreams(t *testing.T) {
	rules := append(backendRules(), rewrite.Rule{Source: "/media/:file", Destination: "https://cdn.example.com/m/:file"})
	table, err := rewrite.NewTable(rules)
	require.NoError(t, err)

	upstreams := table.Upstreams()
	require.Len(t, upstreams, 2)
	assert.Equal(t, "http://backend:8000", upstreams[0].String())
	assert.Equal(t, "https://cdn.example.com", upstreams[1].String())
}

func TestNewTable_ReportsFailingIndex(t *testing.T) {
	rules := append(backendRules(), rewrite.Rule{Source: "/x", Destination: "http://backend:8000/:missing"})
	_, err := rewrite.NewTable(rules)
	require.Error(t, err)
	assert.ErrorIs(t, err, rewrite.ErrUnknownCapture)
	assert.Contains(t, err.Error(), "rewrite 3")
}
