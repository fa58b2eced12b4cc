// Copyright 2023-2025 Buf Technologies, Inc.
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

//go:build go1.24

package callengine

import (
	"net/http"
	"time"
)

// NewH2CTransport returns a delegate Transport that speaks HTTP/2 over
// clear-text (h2c) to base URLs using the "http" scheme. As of Go
// 1.24, http.Transport itself can be told to allow unencrypted HTTP/2,
// so no separate golang.org/x/net/http2.Transport is needed here.
func NewH2CTransport() http.RoundTripper {
	var protocols http.Protocols
	protocols.SetUnencryptedHTTP2(true)

	return &http.Transport{
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: time.Second,
		Protocols:             &protocols,
	}
}
