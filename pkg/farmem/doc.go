// Copyright The Far Memory Runtime Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package farmem implements an application-integrated far-memory cache: a
// managed local DRAM cache that transparently backs a large working set with
// remote storage.
//
// Applications hold far pointers (FarPtr) to objects that are either in the
// local cache as raw memory or remote, addressable only by id. Before
// touching a far pointer a worker enters a dereference scope, during which
// pointed objects are guaranteed pinned locally; outside any scope the
// runtime may relocate, evict or reclaim objects. A concurrent GC keeps the
// cache pool from filling up by evacuating whole regions: live objects are
// either migrated by the mutators that touch them or written back to the
// device.
package farmem
