// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package urlselector_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/example/callengine/internal/clocktest"
	"github.com/example/callengine/urlselector"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestRedirectToNext_SkipsFailedUntilCooldownElapses(t *testing.T) {
	t.Parallel()

	clock := clocktest.NewFakeClock()
	a := mustParse(t, "http://a.example.com")
	b := mustParse(t, "http://b.example.com")
	sel := urlselector.New([]*url.URL{a, b}, urlselector.PinUntilError, 100*time.Millisecond, clock)

	req := mustParse(t, "http://a.example.com/x")
	sel.MarkAsFailed(a)

	// a is failed and cooldown hasn't elapsed, so b is chosen.
	next, ok := sel.RedirectToNext(req)
	require.True(t, ok)
	require.Equal(t, "b.example.com", next.Host)
	require.Equal(t, "/x", next.Path)

	// mark b failed too, still within a's cooldown: both in cooldown,
	// and a is the only candidate other than the current b, so a is picked.
	sel.MarkAsFailed(b)
	next, ok = sel.RedirectToNext(mustParse(t, "http://b.example.com/x"))
	require.True(t, ok)
	require.Equal(t, "a.example.com", next.Host)

	// advance past cooldown: a becomes selectable again via RedirectToNext.
	clock.Advance(200 * time.Millisecond)
	next, ok = sel.RedirectToNext(mustParse(t, "http://b.example.com/x"))
	require.True(t, ok)
	require.Contains(t, []string{"a.example.com", "b.example.com"}, next.Host)
}

func TestMarkAsSucceeded_ClearsFailure(t *testing.T) {
	t.Parallel()

	clock := clocktest.NewFakeClock()
	a := mustParse(t, "http://a.example.com")
	b := mustParse(t, "http://b.example.com")
	sel := urlselector.New([]*url.URL{a, b}, urlselector.PinUntilError, time.Hour, clock)

	sel.MarkAsFailed(a)
	sel.MarkAsSucceeded(a)

	// a's failure was cleared, so it's an eligible failover target again
	// even though its (long) cooldown hasn't elapsed.
	next, ok := sel.RedirectToNext(mustParse(t, "http://b.example.com/x"))
	require.True(t, ok)
	require.Equal(t, "a.example.com", next.Host)
}

func TestRedirectTo_OnlyMatchesKnownBase(t *testing.T) {
	t.Parallel()

	a := mustParse(t, "http://a.example.com")
	b := mustParse(t, "http://b.example.com")
	sel := urlselector.New([]*url.URL{a, b}, urlselector.PinUntilError, 0, nil)

	loc := mustParse(t, "http://b.example.com/relocated?x=1")
	got, ok := sel.RedirectTo(mustParse(t, "http://a.example.com/orig"), loc)
	require.True(t, ok)
	require.Equal(t, loc.String(), got.String())

	unknown := mustParse(t, "http://evil.example.com/relocated")
	_, ok = sel.RedirectTo(mustParse(t, "http://a.example.com/orig"), unknown)
	require.False(t, ok)
}

func TestRedirectToCurrent_PinUntilErrorStaysPut(t *testing.T) {
	t.Parallel()

	a := mustParse(t, "http://a.example.com")
	b := mustParse(t, "http://b.example.com")
	sel := urlselector.New([]*url.URL{a, b}, urlselector.PinUntilError, 0, nil)

	first, ok := sel.RedirectToCurrent(mustParse(t, "/x"))
	require.True(t, ok)
	second, ok := sel.RedirectToCurrent(mustParse(t, "/y"))
	require.True(t, ok)
	require.Equal(t, first.Host, second.Host)
}

func TestRedirectToCurrent_RoundRobinRotates(t *testing.T) {
	t.Parallel()

	a := mustParse(t, "http://a.example.com")
	b := mustParse(t, "http://b.example.com")
	sel := urlselector.New([]*url.URL{a, b}, urlselector.RoundRobin, 0, nil)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		got, ok := sel.RedirectToCurrent(mustParse(t, "/x"))
		require.True(t, ok)
		seen[got.Host] = true
	}
	require.Len(t, seen, 2)
}

func TestRebase_UnrootablePathFails(t *testing.T) {
	t.Parallel()

	a := mustParse(t, "http://a.example.com/api/v1")
	sel := urlselector.New([]*url.URL{a}, urlselector.PinUntilError, 0, nil)

	_, ok := sel.RedirectToCurrent(mustParse(t, "/unrelated/path"))
	require.False(t, ok)

	got, ok := sel.RedirectToCurrent(mustParse(t, "/api/v1/widgets/1"))
	require.True(t, ok)
	require.Equal(t, "/api/v1/widgets/1", got.Path)
}
