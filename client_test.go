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

package callengine_test

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/example/callengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_RejectsEmptyBaseURLs(t *testing.T) {
	t.Parallel()
	_, err := callengine.NewClient(nil)
	require.Error(t, err)
}

func TestNewClient_RejectsRelativeBaseURL(t *testing.T) {
	t.Parallel()
	_, err := callengine.NewClient([]string{"/no-host"})
	require.Error(t, err)
}

func TestClient_SucceedsOnFirstAttempt(t *testing.T) {
	t.Parallel()
	transport := &scriptedTransport{calls: []roundTripFunc{
		func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusOK, nil, "ok"), nil
		},
	}}
	client, err := callengine.NewClient([]string{"http://a.example.com"}, callengine.WithTransport(transport))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://a.example.com/widgets", nil)
	require.NoError(t, err)
	resp, err := client.Execute(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestClient_RoundTripSatisfiesHTTPRoundTripper(t *testing.T) {
	t.Parallel()
	transport := &scriptedTransport{calls: []roundTripFunc{
		func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusOK, nil, "ok"), nil
		},
	}}
	client, err := callengine.NewClient([]string{"http://a.example.com"}, callengine.WithTransport(transport))
	require.NoError(t, err)

	httpClient := &http.Client{Transport: client}
	resp, err := httpClient.Get("http://a.example.com/widgets")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClient_PrewarmAggregatesPerURLFailures(t *testing.T) {
	t.Parallel()
	transport := &scriptedTransport{calls: []roundTripFunc{
		func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusOK, nil, ""), nil
		},
		func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusServiceUnavailable, nil, ""), nil
		},
	}}
	client, err := callengine.NewClient(
		[]string{"http://a.example.com", "http://b.example.com"},
		callengine.WithTransport(transport),
	)
	require.NoError(t, err)

	err = client.Prewarm(context.Background())
	require.Error(t, err) // one of the two base URLs reported a 5xx on probe
}
