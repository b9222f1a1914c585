// Copyright (c) 2026 TTBT Enterprises LLC
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

// Package frontend embeds the static assets the server falls back to for
// any request that does not match an API route. The scoring UI itself is an
// external collaborator (out of scope for the core); this embeds just enough
// to let the server boot and serve a landing page without it.
package frontend

import "embed"

//go:embed index.html sw.js init.js css dist all:.sso
var FS embed.FS
