package rewrite_test

import (
	"regexp"
	"testing"

	"github.com/moonkev/flexrewrite/internal/rewrite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePattern_Tokens(t *testing.T) {
	testCases := []struct {
		source  string
		path    string
		matches bool
		params  map[string]string
	}{
		{"/", "/", true, map[string]string{}},
		{"/", "/x", false, nil},
		{"/users/:id", "/users/42", true, map[string]string{"id": "42"}},
		{"/users/:id", "/users", false, nil},
		{"/users/:id", "/users/42/posts", false, nil},
		{"/users/:id?", "/users", true, map[string]string{"id": ""}},
		{"/users/:id?", "/users/7", true, map[string]string{"id": "7"}},
		{"/files/:rest+", "/files", false, nil},
		{"/files/:rest+", "/files/a/b/c", true, map[string]string{"rest": "a/b/c"}},
		{"/files/:rest*", "/files", true, map[string]string{"rest": ""}},
		{"/v1/:kind/:rest*", "/v1/jobs/1/logs", true, map[string]string{"kind": "jobs", "rest": "1/logs"}},
		{"/a.b/:x", "/a.b/y", true, map[string]string{"x": "y"}},
		{"/a.b/:x", "/aXb/y", false, nil},
		{"/Users/:id", "/users/Ab", true, map[string]string{"id": "Ab"}},
	}

	for _, tc := range testCases {
		p, err := rewrite.CompilePattern(tc.source)
		require.NoError(t, err, tc.source)

		params, ok := p.Match(tc.path)
		assert.Equal(t, tc.matches, ok, "%s against %s", tc.source, tc.path)
		if tc.matches {
			assert.Equal(t, tc.params, params, "%s against %s", tc.source, tc.path)
		}
	}
}

func TestCompilePattern_Invalid(t *testing.T) {
	for _, source := range []string{
		"",
		"api",
		"/api//x",
		"/api/:",
		"/api/:1st",
		"/api/:a/:a",
		"/api/v:version",
		"/api/(.*)",
		"/api/*",
	} {
		_, err := rewrite.CompilePattern(source)
		assert.ErrorIs(t, err, rewrite.ErrInvalidSource, "source %q", source)
	}
}

func TestCompilePattern_RegexIsRE2(t *testing.T) {
	p, err := rewrite.CompilePattern("/api/:path*")
	require.NoError(t, err)
	assert.Equal(t, `(?i)^/api(/(?P<path>[^/]+(?:/[^/]+)*))?/?$`, p.Regexp())
	_, err = regexp.Compile(p.Regexp())
	assert.NoError(t, err)
}

func TestCompile_Destination(t *testing.T) {
	testCases := []struct {
		name string
		rule rewrite.Rule
		err  error
	}{
		{"relative destination", rewrite.Rule{Source: "/a", Destination: "/b"}, rewrite.ErrInvalidDestination},
		{"unsupported scheme", rewrite.Rule{Source: "/a", Destination: "ftp://host/b"}, rewrite.ErrInvalidDestination},
		{"missing host", rewrite.Rule{Source: "/a", Destination: "http:///b"}, rewrite.ErrInvalidDestination},
		{"unknown capture", rewrite.Rule{Source: "/a/:x", Destination: "http://host/:y"}, rewrite.ErrUnknownCapture},
		{"unknown capture in query", rewrite.Rule{Source: "/a/:x", Destination: "http://host/?q=:y"}, rewrite.ErrUnknownCapture},
		{"port is not a capture", rewrite.Rule{Source: "/a", Destination: "http://backend:8000/a"}, nil},
	}

	for _, tc := range testCases {
		_, err := rewrite.Compile(tc.rule)
		if tc.err == nil {
			assert.NoError(t, err, tc.name)
			continue
		}
		assert.ErrorIs(t, err, tc.err, tc.name)
	}
}

func TestCompiledRule_Expand(t *testing.T) {
	testCases := []struct {
		name     string
		rule     rewrite.Rule
		path     string
		query    string
		expected string
	}{
		{
			name:     "capture into query",
			rule:     rewrite.Rule{Source: "/u/:id", Destination: "http://backend:8000/users?id=:id"},
			path:     "/u/a%20b",
			expected: "http://backend:8000/users?id=a+b",
		},
		{
			name:     "unused capture becomes query",
			rule:     rewrite.Rule{Source: "/u/:id/:tab", Destination: "http://backend:8000/users/:id"},
			path:     "/u/9/profile",
			query:    "x=1",
			expected: "http://backend:8000/users/9?tab=profile&x=1",
		},
		{
			name:     "destination query merged with incoming",
			rule:     rewrite.Rule{Source: "/search", Destination: "http://backend:8000/find?src=web"},
			path:     "/search",
			query:    "q=go",
			expected: "http://backend:8000/find?src=web&q=go",
		},
		{
			name:     "empty destination path",
			rule:     rewrite.Rule{Source: "/root", Destination: "http://backend:8000"},
			path:     "/root",
			expected: "http://backend:8000/",
		},
		{
			name:     "optional capture absent",
			rule:     rewrite.Rule{Source: "/docs/:page?", Destination: "http://backend:8000/v2/docs/:page?"},
			path:     "/docs",
			expected: "http://backend:8000/v2/docs",
		},
	}

	for _, tc := range testCases {
		cr, err := rewrite.Compile(tc.rule)
		require.NoError(t, err, tc.name)

		params, ok := cr.Match(tc.path)
		require.True(t, ok, tc.name)
		assert.Equal(t, tc.expected, cr.Expand(params, tc.query).String(), tc.name)
	}
}

func TestCompiledRule_EnvoySubstitution(t *testing.T) {
	testCases := []struct {
		rule     rewrite.Rule
		expected string
	}{
		{rewrite.Rule{Source: "/api/authenticate", Destination: "http://backend:8000/token"}, "/token"},
		{rewrite.Rule{Source: "/api/:path*", Destination: "http://backend:8000/api/:path*"}, `/api\1`},
		{rewrite.Rule{Source: "/v/:kind/:rest+", Destination: "http://backend:8000/:kind/x/:rest+"}, `/\1/x/\2`},
		{rewrite.Rule{Source: "/x", Destination: "http://backend:8000"}, "/"},
	}

	for _, tc := range testCases {
		cr, err := rewrite.Compile(tc.rule)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, cr.EnvoySubstitution(), tc.rule.Source)
	}
}

// The Envoy substitution applied with Go's regexp must agree with Expand.
func TestCompiledRule_EnvoySubstitutionAgreesWithExpand(t *testing.T) {
	cr, err := rewrite.Compile(rewrite.Rule{Source: "/api/:path*", Destination: "http://backend:8000/api/:path*"})
	require.NoError(t, err)

	re := regexp.MustCompile(cr.EnvoyRegex())
	repl := regexp.MustCompile(`\\(\d)`).ReplaceAllString(cr.EnvoySubstitution(), `$${$1}`)

	for _, path := range []string{"/api", "/api/x", "/api/x/y/z"} {
		params, ok := cr.Match(path)
		require.True(t, ok)
		assert.Equal(t, cr.Expand(params, "").Path, re.ReplaceAllString(path, repl), path)
	}
}
